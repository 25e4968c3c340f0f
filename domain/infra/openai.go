package infra

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/puretik/modmail-relay/domain/model"
)

type OpenAI struct {
	client *openai.Client
}

// NewOpenAI returns nil without error when no API key is configured; the
// summary command is simply unavailable then.
func NewOpenAI() (*OpenAI, error) {
	if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("AZURE_OPENAI_KEY") == "" {
		return nil, nil
	}
	client, err := newOpenAIClient()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}
	return &OpenAI{
		client: client,
	}, nil
}

func newOpenAIClient() (*openai.Client, error) {
	if os.Getenv("AZURE_OPENAI_ENDPOINT") != "" {
		return newAzureClient()
	}

	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	options := []option.RequestOption{
		option.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
	}

	c := openai.NewClient(options...)
	return &c, nil
}

func newAzureClient() (*openai.Client, error) {
	key := os.Getenv("AZURE_OPENAI_KEY")
	if key == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_KEY is not set")
	}
	var azureOpenAIEndpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")

	var azureOpenAIAPIVersion = "2025-01-01-preview"

	if os.Getenv("AZURE_OPENAI_API_VERSION") != "" {
		azureOpenAIAPIVersion = os.Getenv("AZURE_OPENAI_API_VERSION")
	}

	c := openai.NewClient(
		azure.WithEndpoint(azureOpenAIEndpoint, azureOpenAIAPIVersion),
		azure.WithAPIKey(key),
	)
	return &c, nil
}

// GenerateDigest asks the model for a triage summary of the currently
// open tickets so moderators can see at a glance which conversations have
// been waiting longest.
func (h *OpenAI) GenerateDigest(now time.Time, tickets []model.Ticket) (string, error) {
	var lines []string
	for _, t := range tickets {
		lines = append(lines, fmt.Sprintf("ticket:%s user:%s opened:%s last_activity:%s state:%s",
			t.ID, t.UserID,
			t.CreatedAt.Format("2006-01-02 15:04:05"),
			t.LastActivityAt.Format("2006-01-02 15:04:05"),
			t.State))
	}

	prompt := fmt.Sprintf(`## Task
You are given the list of currently open modmail tickets for our moderation team.
Each line has the ticket id, the user, when it was opened, and when it last saw activity.
Produce a short digest the team can use to triage.

## What to include
- Tickets that have been waiting longest for a moderator response
- Whether the current volume looks unusually high
- Any ticket close to expiring (long gap since last activity)

## Format
*Waiting longest*
> {list the tickets, oldest activity first}

*Volume*
> {one or two sentences}

*About to expire*
> {list, or "none"}

## Current time
%s
## Open tickets
%s
`,
		now.Format("2006-01-02 15:04:05"),
		strings.Join(lines, "\n"),
	)

	response, err := h.client.Chat.Completions.New(context.TODO(), openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: os.Getenv("OPENAI_MODEL"),
	})

	if err != nil {
		return "", fmt.Errorf("failed to call OpenAI API: %w", err)
	}

	return response.Choices[0].Message.Content, nil
}
