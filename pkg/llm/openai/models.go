package openai

import (
	"context"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/user/llmgate/pkg/llm"
)

// ListModels returns the model ids visible to an API key. baseURL is the
// same host root used for streaming (without "/v1").
func ListModels(ctx context.Context, apiKey, baseURL, orgID string) ([]string, error) {
	if apiKey == "" {
		return nil, llm.ErrMissingAPIKey
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	}
	cfg.OrgID = orgID

	client := openai.NewClientWithConfig(cfg)
	list, err := client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}
