// Package feedback bridges external review tools into the engine: human
// answers published on a Kafka topic are folded into their runs exactly as
// if they had arrived over the REST API.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
	"github.com/semenandronov/legaltech-sub000/internal/kafka"
	"github.com/semenandronov/legaltech-sub000/services/orchestrator/handler"
)

// DefaultTopic carries inbound answers.
const DefaultTopic = "runs.feedback"

// answerMessage is the expected JSON payload.
type answerMessage struct {
	RunID      string          `json:"run_id"`
	QuestionID string          `json:"question_id"`
	Answer     json.RawMessage `json:"answer"`
}

// Consumer reads answers off Kafka and submits them to the engine.
type Consumer struct {
	consumer kafka.Consumer
	orc      handler.Orchestrator
	logger   *slog.Logger
}

// NewConsumer wraps a Kafka consumer subscribed to the answers topic.
func NewConsumer(c kafka.Consumer, orc handler.Orchestrator, logger *slog.Logger) *Consumer {
	return &Consumer{consumer: c, orc: orc, logger: logger}
}

// Run consumes until ctx is cancelled. Malformed payloads and answers for
// unknown runs or questions are committed and dropped: re-delivery cannot
// fix them. Engine faults are not committed so the answer is retried.
func (c *Consumer) Run(ctx context.Context) error {
	return c.consumer.Subscribe(ctx, func(msgCtx context.Context, msg kafka.Message) error {
		var am answerMessage
		if err := json.Unmarshal(msg.Value, &am); err != nil {
			c.logger.Warn("dropping malformed feedback message",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if am.RunID == "" || am.QuestionID == "" || len(am.Answer) == 0 {
			c.logger.Warn("dropping incomplete feedback message", slog.Int64("offset", msg.Offset))
			return nil
		}

		err := c.orc.SubmitFeedback(msgCtx, am.RunID, am.QuestionID, am.Answer)
		if err != nil {
			var unknownQ *domain.UnknownQuestionError
			var notFound *domain.RunNotFoundError
			if errors.As(err, &unknownQ) || errors.As(err, &notFound) {
				c.logger.Warn("dropping unmatchable feedback answer",
					slog.String("run_id", am.RunID),
					slog.String("question_id", am.QuestionID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			return fmt.Errorf("submit feedback for run %s: %w", am.RunID, err)
		}

		c.logger.Info("feedback answer consumed",
			slog.String("run_id", am.RunID),
			slog.String("question_id", am.QuestionID),
		)
		return nil
	})
}
