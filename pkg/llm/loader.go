package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

// NewFromConfig builds the client for the "llm" config section, a list of
// provider groups in fallback order. Disabled groups are skipped. Groups that
// fail are logged and skipped as long as at least one client is built;
// otherwise every failure is returned. Several clients are wrapped in a
// FallbackClient using the retry settings of system.
func NewFromConfig(rawLLM jsoniter.RawMessage, system *config.SystemConfig) (LLMClient, error) {
	if len(rawLLM) == 0 {
		return nil, fmt.Errorf("missing 'llm' config")
	}

	var groups []ProviderGroupConfig
	if err := json.Unmarshal(rawLLM, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse 'llm' config: %w", err)
	}

	var clients []LLMClient
	var errs []error
	for i, group := range groups {
		built, err := buildGroup(group, system)
		if err != nil {
			slog.Warn("Skipping LLM group", "index", i, "type", group.Type, "error", err)
			errs = append(errs, fmt.Errorf("group %d (%s): %w", i, group.Type, err))
			continue
		}
		clients = append(clients, built...)
	}

	switch len(clients) {
	case 0:
		return nil, fmt.Errorf("no LLM clients could be initialized: %w", errors.Join(errs...))
	case 1:
		slog.Info("LLM client ready", "provider", clients[0].Provider())
		return clients[0], nil
	}

	slog.Info("LLM fallback chain ready", "clients", len(clients), "max_retries", system.MaxRetries)
	return &FallbackClient{
		Clients:    clients,
		MaxRetries: system.MaxRetries,
		RetryDelay: time.Duration(system.RetryDelayMs) * time.Millisecond,
	}, nil
}

// buildGroup creates the clients of one group. A disabled group yields none
// and no error.
func buildGroup(group ProviderGroupConfig, system *config.SystemConfig) ([]LLMClient, error) {
	if group.Disabled {
		slog.Info("LLM group disabled", "type", group.Type)
		return nil, nil
	}
	if len(group.Models) == 0 {
		return nil, errors.New("no models listed")
	}
	factory, ok := GetProviderFactory(group.Type)
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", group.Type)
	}

	clients, err := factory.Create(group, system)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, errors.New("no model could be initialized")
	}
	slog.Info("LLM group loaded", "type", group.Type, "models", len(clients))
	return clients, nil
}
