package main

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/routergate/gateway/internal/authkey"
)

//go:embed config.example.yaml
var configExampleContent string

// runInit writes config.example.yaml to the current directory as a starting
// template for the gateway's configuration document (spec.md §6), seeded
// with a freshly generated bootstrap gateway_api_key so the operator has a
// working credential without having to invent one.
func runInit() error {
	const filename = "config.example.yaml"

	plaintext, hash, err := authkey.GenerateBootstrapKey()
	if err != nil {
		return fmt.Errorf("generate bootstrap key: %w", err)
	}

	content := strings.Replace(configExampleContent, `gateway_api_key: ""`, fmt.Sprintf("gateway_api_key: %q", plaintext), 1)

	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}

	fmt.Printf("wrote %s\n", filename)
	fmt.Println()
	fmt.Println("generated a one-time bootstrap gateway_api_key, already written into")
	fmt.Println("general.gateway_api_key in the file above:")
	fmt.Println("  " + plaintext)
	fmt.Println()
	fmt.Println("store the bcrypt hash below somewhere durable (a secrets manager, a")
	fmt.Println("password vault) so you can prove later which key you issued; gatewayd")
	fmt.Println("itself never needs it back, since the gateway key check is a direct")
	fmt.Println("constant-time comparison against the plaintext:")
	fmt.Println("  " + hash)
	fmt.Println()
	fmt.Println("next steps:")
	fmt.Println("  1. cp config.example.yaml config.yaml")
	fmt.Println("  2. edit config.yaml: set providers.upstream.api_key (and any providers.custom entries)")
	fmt.Println("  3. ./gatewayd --config config.yaml")

	return nil
}
