package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"pgregory.net/rapid"
)

// Property: Config precedence
// For any configuration key set in both the YAML file and an environment variable,
// the environment variable value SHALL take precedence.
func TestPropertyConfigPrecedence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		yamlPort := rapid.IntRange(1024, 65535).Draw(rt, "yaml_port")
		yamlRPC := rapid.StringMatching(`https://[a-z]{3,10}\.yaml\.com`).Draw(rt, "yaml_rpc")
		yamlStatus := rapid.StringMatching(`http://[a-z]{3,8}:5001`).Draw(rt, "yaml_status")
		yamlLogLevel := rapid.SampledFrom([]string{"debug", "info", "warn", "error"}).Draw(rt, "yaml_log_level")

		envPort := rapid.IntRange(1024, 65535).Filter(func(v int) bool { return v != yamlPort }).Draw(rt, "env_port")
		envRPC := rapid.StringMatching(`https://[a-z]{3,10}\.env\.com`).Draw(rt, "env_rpc")
		envStatus := rapid.StringMatching(`http://[a-z]{3,8}:6001`).Draw(rt, "env_status")
		envLogLevel := rapid.SampledFrom([]string{"DEBUG", "INFO", "WARN", "ERROR"}).Draw(rt, "env_log_level")

		dir := t.TempDir()
		yamlPath := filepath.Join(dir, "config.yaml")
		yamlContent := fmt.Sprintf(`server:
  port: %d
chain:
  rpc_url: %q
agent:
  status_url: %q
log:
  level: %q
`, yamlPort, yamlRPC, yamlStatus, yamlLogLevel)

		if err := os.WriteFile(yamlPath, []byte(yamlContent), 0644); err != nil {
			t.Fatalf("write yaml: %v", err)
		}

		t.Setenv("AGENTOS_SERVER_PORT", fmt.Sprintf("%d", envPort))
		t.Setenv("AGENTOS_CHAIN_RPC_URL", envRPC)
		t.Setenv("AGENTOS_AGENT_STATUS_URL", envStatus)
		t.Setenv("AGENTOS_LOG_LEVEL", envLogLevel)

		cfg, err := Load(yamlPath)
		if err != nil {
			rt.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != envPort {
			rt.Errorf("port: got %d, want env %d", cfg.Server.Port, envPort)
		}
		if cfg.Chain.RPCURL != envRPC {
			rt.Errorf("rpc url: got %q, want env %q", cfg.Chain.RPCURL, envRPC)
		}
		if cfg.Agent.StatusURL != envStatus {
			rt.Errorf("status url: got %q, want env %q", cfg.Agent.StatusURL, envStatus)
		}
		if cfg.Log.Level != strings.ToLower(envLogLevel) {
			rt.Errorf("log level: got %q, want %q", cfg.Log.Level, strings.ToLower(envLogLevel))
		}
	})
}

// Property: Checksum validation
// For any 20-byte address, its EIP-55 form and its lowercase form are accepted,
// and flipping the case of a single letter in the EIP-55 form is rejected.
func TestPropertyAddressChecksum(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		raw := rapid.SliceOfN(rapid.Byte(), 20, 20).Draw(rt, "bytes")
		addr := common.BytesToAddress(raw)
		checksummed := addr.Hex()

		if err := ValidateAddress(checksummed); err != nil {
			rt.Fatalf("checksummed %s rejected: %v", checksummed, err)
		}
		if err := ValidateAddress(strings.ToLower(checksummed)); err != nil {
			rt.Fatalf("lowercase %s rejected: %v", checksummed, err)
		}

		body := []byte(checksummed[2:])
		var letters []int
		for i, c := range body {
			if (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
				letters = append(letters, i)
			}
		}
		// Need at least two letters so the flipped form is still mixed case.
		if len(letters) < 2 {
			return
		}
		idx := letters[rapid.IntRange(0, len(letters)-1).Draw(rt, "flip")]
		if body[idx] >= 'a' {
			body[idx] -= 'a' - 'A'
		} else {
			body[idx] += 'a' - 'A'
		}
		flipped := "0x" + string(body)
		lower := strings.ToLower(string(body))
		upper := strings.ToUpper(string(body))
		if string(body) == lower || string(body) == upper {
			return
		}
		if err := ValidateAddress(flipped); err == nil {
			rt.Fatalf("flipped address %s should fail checksum", flipped)
		}
	})
}
