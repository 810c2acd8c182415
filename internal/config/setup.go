package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the user through first-time configuration of the
// player identity and the default transport endpoint.
func RunSetupWizard(cfg *Config) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("── netsession first run ──")
	fmt.Println()

	conn := cfg.GetConnection()
	conn.PlayerName = promptString(reader, "Player name", conn.PlayerName)
	conn.MaxConnectedPlayers = promptInt(reader, "Max connected players when hosting", conn.MaxConnectedPlayers)
	conn.ReconnectAttempts = promptInt(reader, "Reconnect attempts after a dropped connection", conn.ReconnectAttempts)
	conn.DebugBuild = promptBool(reader, "Debug build", conn.DebugBuild)
	cfg.SetConnection(conn)

	fmt.Println()
	fmt.Println("── Transport ──")

	tr := cfg.GetTransport()
	tr.Kind = promptString(reader, "Transport (tcp/websocket)", tr.Kind)
	tr.Address = promptString(reader, "Default address", tr.Address)
	tr.Port = promptInt(reader, "Default port", tr.Port)
	cfg.SetTransport(tr)

	fmt.Println()
	fmt.Println("── Session service ──")

	cfg.mu.Lock()
	cfg.Session.ServiceURL = promptString(reader, "Session service URL (blank for IP-only play)", cfg.Session.ServiceURL)
	cfg.MQTT.Enabled = promptBool(reader, "Enable MQTT telemetry", cfg.MQTT.Enabled)
	cfg.mu.Unlock()

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Println("\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Printf("  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			return RunSetupWizard(cfg)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Println()
	fmt.Println("Configuration saved.")
	fmt.Println()

	return nil
}

func promptString(reader *bufio.Reader, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Printf("  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, prompt string, defaultVal int) int {
	fmt.Printf("  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Printf("    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Printf("  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
