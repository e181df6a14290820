package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRunGeneration = "generation:run"

type GenerationPayload struct {
	JobID       string    `json:"job_id"`
	OwnerID     string    `json:"owner_id"`
	InputRefs   []string  `json:"input_refs,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p GenerationPayload) Validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		return fmt.Errorf("owner_id is required")
	}
	return nil
}

func NewGenerationTask(payload GenerationPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generation payload: %w", err)
	}
	return asynq.NewTask(TypeRunGeneration, body), nil
}

func ParseGenerationPayload(task *asynq.Task) (GenerationPayload, error) {
	var payload GenerationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return GenerationPayload{}, fmt.Errorf("unmarshal generation payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return GenerationPayload{}, err
	}
	return payload, nil
}
