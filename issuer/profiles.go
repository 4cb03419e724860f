package issuer

import (
	"fmt"
	"strings"

	"github.com/parsabank/cardengine/cardnum"
	"github.com/parsabank/cardengine/hsm"
)

// BINProfile describes one issuing range of the scheme.
type BINProfile struct {
	IssuerName  string `json:"issuerName"`
	BIN         string `json:"bin"`
	BankCode    string `json:"bankCode"`
	ProductType string `json:"productType"`
	Network     string `json:"network"`
	CardLevel   string `json:"cardLevel"`
}

// CardnumProfile converts to the PAN generator's profile.
func (p BINProfile) CardnumProfile() cardnum.BINProfile {
	return cardnum.BINProfile{BIN: p.BIN, BankCode: p.BankCode, ProductType: p.ProductType}
}

// EMVProfile describes the chip application personalized for a product type.
type EMVProfile struct {
	ProfileID        string `json:"profileId"`
	AID              string `json:"aid"`
	ApplicationLabel string `json:"applicationLabel"`
	CurrencyCode     string `json:"currencyCode"`
	CountryCode      string `json:"countryCode"`
}

// HSMProfile converts to the chip-personalization request shape.
func (p EMVProfile) HSMProfile() *hsm.EMVProfile {
	return &hsm.EMVProfile{AID: p.AID, ApplicationLabel: p.ApplicationLabel}
}

// DefaultBINProfiles is the built-in issuing table, used when no profile
// file is configured.
func DefaultBINProfiles() []BINProfile {
	return []BINProfile{
		{IssuerName: "Bank Melli Iran", BIN: "603799", BankCode: "010", ProductType: "DEBIT", Network: "SHETAB", CardLevel: "CLASSIC"},
		{IssuerName: "Bank Saderat Iran", BIN: "603769", BankCode: "020", ProductType: "DEBIT", Network: "SHETAB", CardLevel: "CLASSIC"},
		{IssuerName: "Parsian Bank", BIN: "622106", BankCode: "054", ProductType: "DEBIT", Network: "SHETAB", CardLevel: "GOLD"},
	}
}

// DefaultEMVProfiles is the built-in chip application table.
func DefaultEMVProfiles() []EMVProfile {
	return []EMVProfile{
		{ProfileID: "IRAN_DEBIT_STANDARD_V1", AID: "A0000002480200", ApplicationLabel: "IRAN DEBIT", CurrencyCode: "364", CountryCode: "IR"},
		{ProfileID: "IRAN_CREDIT_STANDARD_V1", AID: "A0000002480201", ApplicationLabel: "IRAN CREDIT", CurrencyCode: "364", CountryCode: "IR"},
	}
}

// Catalog resolves BIN and EMV profiles for an issuance request.
type Catalog struct {
	bins []BINProfile
	emvs []EMVProfile
}

// NewCatalog builds a catalog; empty slices fall back to the defaults.
func NewCatalog(bins []BINProfile, emvs []EMVProfile) *Catalog {
	if len(bins) == 0 {
		bins = DefaultBINProfiles()
	}
	if len(emvs) == 0 {
		emvs = DefaultEMVProfiles()
	}
	return &Catalog{bins: bins, emvs: emvs}
}

// SelectBIN picks the issuing profile for a bank and product type.
func (c *Catalog) SelectBIN(cardType, bankCode string) (BINProfile, error) {
	cardType = strings.ToUpper(cardType)
	for _, p := range c.bins {
		if p.BankCode == bankCode && p.ProductType == cardType {
			return p, nil
		}
	}
	// Debit issuing ranges carry the bank's other products until a
	// dedicated range is provisioned.
	for _, p := range c.bins {
		if p.BankCode == bankCode {
			return p, nil
		}
	}
	return BINProfile{}, &ValidationError{Field: "bankCode", Reason: fmt.Sprintf("no BIN profile for bank %s type %s", bankCode, cardType)}
}

// SelectEMV picks the chip application for a product type. Credit cards get
// the credit application; everything else personalizes the debit one.
func (c *Catalog) SelectEMV(cardType string) (EMVProfile, error) {
	want := "IRAN_DEBIT_STANDARD_V1"
	if strings.EqualFold(cardType, "CREDIT") {
		want = "IRAN_CREDIT_STANDARD_V1"
	}
	for _, p := range c.emvs {
		if p.ProfileID == want {
			return p, nil
		}
	}
	if len(c.emvs) > 0 {
		return c.emvs[0], nil
	}
	return EMVProfile{}, &ValidationError{Field: "cardType", Reason: "no EMV profile configured"}
}
