package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope 是队列中传递的消息体。
type Envelope struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

// Handler 处理来自消息队列的任务。
type Handler func(ctx context.Context, env Envelope) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	if strings.TrimSpace(env.TaskID) == "" {
		return nil, fmt.Errorf("envelope without task id")
	}
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(env.TaskID) == "" {
		return Envelope{}, fmt.Errorf("envelope without task id")
	}
	return env, nil
}
