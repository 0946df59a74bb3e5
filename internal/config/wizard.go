package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
)

// RunWizard runs an interactive configuration wizard, saves the result to
// path and returns it.
func RunWizard(path string) (*Config, error) {
	fmt.Println("Welcome to donorlink! Let's configure the notification and chat server.")
	fmt.Println()

	cfg := DefaultConfig()

	// 1. Port.
	portPrompt := promptui.Prompt{
		Label:    "HTTP port",
		Default:  strconv.Itoa(cfg.Server.Port),
		Validate: validatePort,
	}
	portStr, err := portPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("port: %w", err)
	}
	cfg.Server.Port, _ = strconv.Atoi(portStr)

	// 2. Database path.
	dbPrompt := promptui.Prompt{
		Label:   "SQLite database path",
		Default: cfg.Database.Path,
	}
	if cfg.Database.Path, err = dbPrompt.Run(); err != nil {
		return nil, fmt.Errorf("database path: %w", err)
	}

	// 3. Realtime backend.
	backendPrompt := promptui.Select{
		Label: "Select realtime feed backend",
		Items: []string{
			"memory: single process, in-memory fan-out",
			"redis : pub/sub, shared across instances",
		},
	}
	backendIdx, _, err := backendPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("backend selection: %w", err)
	}
	backends := []RealtimeBackend{RealtimeMemory, RealtimeRedis}
	cfg.Realtime.Backend = backends[backendIdx]

	if cfg.Realtime.Backend == RealtimeRedis {
		redisPrompt := promptui.Prompt{
			Label:   "Redis address",
			Default: cfg.Realtime.RedisAddr,
		}
		if cfg.Realtime.RedisAddr, err = redisPrompt.Run(); err != nil {
			return nil, fmt.Errorf("redis address: %w", err)
		}
	}

	// 4. Push gateway.
	pushPrompt := promptui.Prompt{
		Label:   "Push gateway endpoint",
		Default: cfg.Notifications.Push.Endpoint,
	}
	if cfg.Notifications.Push.Endpoint, err = pushPrompt.Run(); err != nil {
		return nil, fmt.Errorf("push endpoint: %w", err)
	}

	// 5. Log format.
	formatPrompt := promptui.Select{
		Label: "Select log format",
		Items: []string{string(LogJSON), string(LogConsole)},
	}
	_, format, err := formatPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("log format: %w", err)
	}
	cfg.Log.Format = LogFormat(format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to %s\n", path)
	return cfg, nil
}

func validatePort(input string) error {
	n, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if n <= 0 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}
