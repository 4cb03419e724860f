package cmd

import (
	"fmt"
)

const banner = `
   _____              _ ______             _
  / ____|            | |  ____|           (_)
 | |     __ _ _ __ __| | |__   _ __   __ _ _ _ __   ___
 | |    / _` + "`" + ` | '__/ _` + "`" + ` |  __| | '_ \ / _` + "`" + ` | | '_ \ / _ \
 | |___| (_| | | | (_| | |____| | | | (_| | | | | |  __/
  \_____\__,_|_|  \__,_|______|_| |_|\__, |_|_| |_|\___|
                                      __/ |
                                     |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Card & Key Management Engine - Version %s\x1b[0m\n\n", Version)
}
