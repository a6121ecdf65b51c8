package cmd

import (
	"fmt"
)

const banner = `
                      _             _ 
  _ __ ___   ___  __| |___  ___  __ _| |
 | '_ ` + "`" + ` _ \ / _ \/ _` + "`" + ` / __|/ _ \/ _` + "`" + ` | |
 | | | | | |  __/ (_| \__ \  __/ (_| | |
 |_| |_| |_|\___|\__,_|___/\___|\__,_|_|
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Medical Records Envelope Service - Version %s\x1b[0m\n\n", Version)
}
