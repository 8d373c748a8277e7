package toolchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// EndpointConfig names one tool-channel endpoint an Executor session should
// connect to at startup.
type EndpointConfig struct {
	Name    string `json:"name"`
	Network string `json:"network"` // "unix" | "tcp"
	Address string `json:"address"`
}

// LoadConfig reads the JSON array of endpoints an Executor should dial.
func LoadConfig(path string) ([]EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("toolchannel: read config %s: %w", path, err)
	}
	var endpoints []EndpointConfig
	if err := json.Unmarshal(data, &endpoints); err != nil {
		return nil, fmt.Errorf("toolchannel: parse config %s: %w", path, err)
	}
	return endpoints, nil
}

// DialAll connects to every configured endpoint in order, closing any
// already-opened connections if a later dial fails.
func DialAll(ctx context.Context, endpoints []EndpointConfig) (*MultiClient, error) {
	clients := make([]*Client, 0, len(endpoints))
	for _, ep := range endpoints {
		c, err := Dial(ctx, ep.Name, ep.Network, ep.Address)
		if err != nil {
			for _, opened := range clients {
				opened.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return NewMultiClient(clients...), nil
}
