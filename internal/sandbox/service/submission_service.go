// Package service consumes queued submissions and publishes their verdicts.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codesandbox/internal/common/mq"
	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/result"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/contextkey"
	"codesandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// HeaderTraceID carries the caller's trace id on both the submission and the
// verdict message.
const HeaderTraceID = "trace_id"

// Executor runs one submission to a verdict.
type Executor interface {
	ExecuteSubmission(ctx context.Context, req sandbox.SubmissionRequest) result.Verdict
}

// PackFetcher resolves object storage references in a submission message.
type PackFetcher interface {
	FetchSource(ctx context.Context, key, hash string) (string, error)
	FetchInputs(ctx context.Context, key, hash string) ([]string, error)
}

// SubmissionMessage is the queued form of a submission. Source and inputs may
// be inlined or referenced by object key; referenced inputs follow inline ones.
type SubmissionMessage struct {
	sandbox.SubmissionRequest
	SourceKey  string `json:"sourceKey,omitempty"`
	SourceHash string `json:"sourceHash,omitempty"`
	InputsKey  string `json:"inputsKey,omitempty"`
	InputsHash string `json:"inputsHash,omitempty"`
}

// Config holds service dependencies and settings.
type Config struct {
	Executor     Executor
	Producer     mq.Producer
	VerdictTopic string
	// Packs is optional; without it messages carrying object keys are rejected.
	Packs          PackFetcher
	Timeout        time.Duration
	PublishTimeout time.Duration
}

// Service turns submission messages into verdict messages.
type Service struct {
	exec           Executor
	producer       mq.Producer
	verdictTopic   string
	packs          PackFetcher
	timeout        time.Duration
	publishTimeout time.Duration
}

// NewService creates a submission service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if cfg.VerdictTopic == "" {
		return nil, fmt.Errorf("verdict topic is required")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Service{
		exec:           cfg.Executor,
		producer:       cfg.Producer,
		verdictTopic:   cfg.VerdictTopic,
		packs:          cfg.Packs,
		timeout:        cfg.Timeout,
		publishTimeout: cfg.PublishTimeout,
	}, nil
}

// HandleMessage runs the submission in msg and publishes its verdict.
// Payloads that cannot be decoded get a SandboxError verdict when the message
// id identifies the submission, and are dead-lettered otherwise.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return mq.Permanent(appErr.New(appErr.InvalidParams).WithMessage("message is nil"))
	}
	if trace, ok := msg.GetHeader(HeaderTraceID); ok && trace != "" {
		ctx = context.WithValue(ctx, contextkey.TraceID, trace)
	}

	var sub SubmissionMessage
	if err := json.Unmarshal(msg.Body, &sub); err != nil {
		decodeErr := appErr.Wrapf(err, appErr.InvalidParams, "decode submission failed")
		if msg.ID == "" {
			return mq.Permanent(decodeErr)
		}
		logger.Warn(ctx, "undecodable submission", zap.String("message_id", msg.ID), zap.Error(err))
		v := result.SandboxFailure(appErr.InvalidParams.Message())
		v.SubmissionID = msg.ID
		return s.publish(ctx, msg, v)
	}
	if sub.SubmissionID == "" {
		sub.SubmissionID = msg.ID
	}
	if err := s.resolve(ctx, &sub); err != nil {
		if appErr.Is(err, appErr.StorageError) {
			return err
		}
		logger.Warn(ctx, "unresolvable submission", zap.String("submission_id", sub.SubmissionID), zap.Error(err))
		v := result.SandboxFailure(appErr.GetCode(err).Message())
		v.SubmissionID = sub.SubmissionID
		return s.publish(ctx, msg, v)
	}
	req := sub.SubmissionRequest

	ctxRun := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctxRun, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	v := s.exec.ExecuteSubmission(ctxRun, req)
	if err := ctx.Err(); err != nil {
		// Shutdown interrupted the run; the message is redelivered.
		return err
	}
	if v.Rejected == appErr.SubmissionRunning {
		// A redelivery of a submission still running here; that run publishes.
		logger.Info(ctx, "duplicate delivery skipped", zap.String("submission_id", req.SubmissionID))
		return nil
	}
	return s.publish(ctx, msg, v)
}

// resolve downloads referenced objects into sub. Storage outages are returned
// as StorageError so the message is retried.
func (s *Service) resolve(ctx context.Context, sub *SubmissionMessage) error {
	if sub.SourceKey == "" && sub.InputsKey == "" {
		return nil
	}
	if s.packs == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("object references are not enabled")
	}
	if sub.SourceKey != "" && sub.SourceCode == "" {
		code, err := s.packs.FetchSource(ctx, sub.SourceKey, sub.SourceHash)
		if err != nil {
			return err
		}
		sub.SourceCode = code
	}
	if sub.InputsKey != "" {
		inputs, err := s.packs.FetchInputs(ctx, sub.InputsKey, sub.InputsHash)
		if err != nil {
			return err
		}
		sub.Inputs = append(sub.Inputs, inputs...)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, in *mq.Message, v result.Verdict) error {
	body, err := json.Marshal(sandbox.NewResponse(v))
	if err != nil {
		return mq.Permanent(appErr.Wrapf(err, appErr.InternalServerError, "encode verdict failed"))
	}
	out := mq.NewMessage(body)
	out.ID = v.SubmissionID
	if trace, ok := in.GetHeader(HeaderTraceID); ok {
		out.SetHeader(HeaderTraceID, trace)
	}

	ctxPub, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	if err := s.producer.Publish(ctxPub, s.verdictTopic, out); err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFailed, "publish verdict for %s failed", v.SubmissionID)
	}
	logger.Debug(ctx, "verdict published", zap.String("submission_id", v.SubmissionID), zap.String("status", string(v.Status)))
	return nil
}
