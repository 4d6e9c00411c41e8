package ollama

import (
	"context"
	"time"

	"github.com/loomchat/loom/pkg/logger"
)

// HealthStatus represents the health status of the Ollama server
type HealthStatus struct {
	Available bool
	Error     error
	Models    []Model
}

// CheckHealth checks whether the server is reachable and lists its models.
// Unreachability is reported in the returned status, not as an error.
func (c *Client) CheckHealth(ctx context.Context) *HealthStatus {
	log := logger.WithComponent("ollama_health")
	log.Debug().Str("base_url", c.baseURL).Msg("checking server health")

	tags, err := c.Tags(ctx)
	if err != nil {
		log.Error().Err(err).Msg("health check failed")
		return &HealthStatus{Available: false, Error: err}
	}

	log.Debug().Int("model_count", len(tags.Models)).Msg("health check successful")
	return &HealthStatus{Available: true, Models: tags.Models}
}

// CheckModel checks if a specific model is installed on the server.
func (c *Client) CheckModel(ctx context.Context, modelName string) (bool, error) {
	health := c.CheckHealth(ctx)
	if !health.Available {
		return false, health.Error
	}

	for _, model := range health.Models {
		if model.Name == modelName || model.Model == modelName {
			return true, nil
		}
	}
	return false, nil
}

// CheckHealthWithTimeout performs a health check with a specific timeout.
func (c *Client) CheckHealthWithTimeout(timeout time.Duration) *HealthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.CheckHealth(ctx)
}

// CheckModelWithTimeout checks if a model is available with a specific timeout.
func (c *Client) CheckModelWithTimeout(modelName string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.CheckModel(ctx, modelName)
}
