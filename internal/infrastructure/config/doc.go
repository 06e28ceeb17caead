// Package config handles loading and validating the Sonoff daemon configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (SONOFF_*)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The account access token and API key should be set via environment variables
//   - Device keys in the devices list decrypt LAN traffic; keep the file at 0600
//
// Usage:
//
//	cfg, err := config.Load("configs/sonoffd.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Account.Mode)
package config
