package issuer

import (
	"context"
	"fmt"
	"sync"

	"github.com/parsabank/cardengine/cardnum"
)

// MockIdentity is an in-memory civil registry for development and tests.
type MockIdentity struct {
	mu      sync.Mutex
	persons map[string]string // nationalID -> full name
}

// NewMockIdentity seeds the registry with nationalID -> full name pairs.
func NewMockIdentity(persons map[string]string) *MockIdentity {
	m := &MockIdentity{persons: map[string]string{}}
	for id, name := range persons {
		m.persons[id] = name
	}
	return m
}

// Register adds a person.
func (m *MockIdentity) Register(nationalID, fullName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persons[nationalID] = fullName
}

func (m *MockIdentity) VerifyIdentity(ctx context.Context, nationalID, phone string) (*IdentityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.persons[nationalID]
	if !ok {
		return &IdentityResult{Verified: false, Reason: "national ID not found"}, nil
	}
	return &IdentityResult{Verified: true, FullName: name}, nil
}

// MockAccounts is an in-memory core-banking view for development and tests.
type MockAccounts struct {
	mu       sync.Mutex
	accounts map[string]mockAccount // accountNumber -> owner
}

type mockAccount struct {
	nationalID string
	balance    int64
}

// NewMockAccounts starts with an empty book.
func NewMockAccounts() *MockAccounts {
	return &MockAccounts{accounts: map[string]mockAccount{}}
}

// Open records an account owned by the holder of nationalID.
func (m *MockAccounts) Open(accountNumber, nationalID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountNumber] = mockAccount{nationalID: nationalID, balance: balance}
}

func (m *MockAccounts) VerifyAccount(ctx context.Context, accountNumber, nationalID string) (*AccountResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountNumber]
	if !ok {
		return &AccountResult{Verified: false, Reason: "account not found"}, nil
	}
	if acct.nationalID != nationalID {
		return &AccountResult{Verified: false, Reason: "account owner mismatch"}, nil
	}
	return &AccountResult{Verified: true, Balance: acct.balance, Currency: "IRR"}, nil
}

// MockRegistry is an in-memory card registry and switch. Every call records
// the masked PAN so tests can assert on committed external effects.
type MockRegistry struct {
	mu         sync.Mutex
	seq        int
	registered []string // masked PANs
	activated  []string
	rejects    map[string]string // op -> decline reason, consumed on use
	fails      map[string]error  // op -> transport error, consumed on use
}

// Registry mock operation names.
const (
	MockOpRegister = "REGISTER_CARD"
	MockOpActivate = "ACTIVATE_CARD"
)

// NewMockRegistry starts with no registrations.
func NewMockRegistry() *MockRegistry {
	return &MockRegistry{rejects: map[string]string{}, fails: map[string]error{}}
}

// RejectOp makes the next call of op return Success=false with reason.
func (m *MockRegistry) RejectOp(op, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects[op] = reason
}

// FailOp makes the next call of op return err.
func (m *MockRegistry) FailOp(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[op] = err
}

// Registered returns the masked PANs registered so far.
func (m *MockRegistry) Registered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.registered...)
}

// Activated returns the masked PANs activated so far.
func (m *MockRegistry) Activated() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.activated...)
}

func (m *MockRegistry) intercept(op string) (*RegistryResult, error) {
	if err, ok := m.fails[op]; ok {
		delete(m.fails, op)
		return nil, err
	}
	if reason, ok := m.rejects[op]; ok {
		delete(m.rejects, op)
		return &RegistryResult{Success: false, Reason: reason}, nil
	}
	return nil, nil
}

func (m *MockRegistry) RegisterCard(ctx context.Context, reg CardRegistration) (*RegistryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, err := m.intercept(MockOpRegister); res != nil || err != nil {
		return res, err
	}
	m.seq++
	m.registered = append(m.registered, cardnum.Mask(reg.CardNumber))
	return &RegistryResult{Success: true, ReferenceID: fmt.Sprintf("REG-%06d", m.seq)}, nil
}

func (m *MockRegistry) ActivateCard(ctx context.Context, pan string) (*RegistryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, err := m.intercept(MockOpActivate); res != nil || err != nil {
		return res, err
	}
	m.seq++
	m.activated = append(m.activated, cardnum.Mask(pan))
	return &RegistryResult{Success: true, ReferenceID: fmt.Sprintf("ACT-%06d", m.seq)}, nil
}
