package banner

import (
	"fmt"
	"strings"

	"viewstore/pkg/config"
)

const banner = `
       _                   _
__   _(_) _____      _____| |_ ___  _ __ ___
\ \ / / |/ _ \ \ /\ / / __| __/ _ \| '__/ _ \
 \ V /| |  __/\ V  V /\__ \ || (_) | | |  __/
  \_/ |_|\___| \_/\_/ |___/\__\___/|_|  \___|
`

// PrintWithEff prints the banner and a short readiness checklist for the
// effective configuration.
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	cfg := eff.Config
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", cfg.Addr())
	fmt.Printf("Store:    %s\n", cfg.Store.Path)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Sources:  %s\n", strings.Join(eff.Sources, ", "))

	fmt.Println("\n== Production? =================================================")
	if cfg.Server.AdminToken != "" {
		fmt.Println("- Admin token: OK")
	} else {
		fmt.Println("- Admin token: MISSING (admin routes are open)")
	}
	if cfg.Store.DisableWAL {
		fmt.Println("- Store WAL: DISABLED (commits are not durable)")
	} else {
		fmt.Println("- Store WAL: OK")
	}
	if cfg.Dispatch.Strict {
		fmt.Println("- Dispatch: STRICT (reentrant registry calls panic)")
	} else {
		fmt.Println("- Dispatch: OK")
	}
	fmt.Println()
}
