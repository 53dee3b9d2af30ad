// Package approval persists human approval requests and decisions in
// Redis, outside the execution aggregate, so a recovering engine can
// re-derive the disposition of a waiting approval step.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gantryio/gantry/pkg/api"
)

type (
	// Store keeps approval requests keyed by execution and step
	Store struct {
		client *redis.Client
		prefix string
	}
)

var (
	ErrApprovalNotFound = errors.New("approval request not found")
	ErrAlreadyDecided   = errors.New("approval already decided")
)

// New creates an approval store on an existing Redis client
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Create records a new pending approval request. Creating a request that
// already exists is a no-op so suspended steps can be safely re-entered.
func (s *Store) Create(ctx context.Context, req *api.ApprovalRequest) error {
	cp := *req
	cp.Status = api.ApprovalPending
	if cp.RequestedAt.IsZero() {
		cp.RequestedAt = time.Now()
	}

	data, err := json.Marshal(&cp)
	if err != nil {
		return err
	}

	key := s.requestKey(cp.ExecutionID, cp.StepID)
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.client.SAdd(
		ctx, s.pendingKey(), member(cp.ExecutionID, cp.StepID),
	).Err()
}

// Get returns the approval request for a step
func (s *Store) Get(
	ctx context.Context, execID api.ExecutionID, stepID api.StepID,
) (*api.ApprovalRequest, error) {
	data, err := s.client.Get(ctx, s.requestKey(execID, stepID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", ErrApprovalNotFound,
			execID, stepID)
	}
	if err != nil {
		return nil, err
	}

	var req api.ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// RecordDecision settles a pending request. A second decision on the same
// request is rejected.
func (s *Store) RecordDecision(
	ctx context.Context, execID api.ExecutionID, stepID api.StepID,
	status api.ApprovalStatus, decidedBy, reason string,
) (*api.ApprovalRequest, error) {
	if err := status.Validate(); err != nil {
		return nil, err
	}

	req, err := s.Get(ctx, execID, stepID)
	if err != nil {
		return nil, err
	}
	if req.IsDecided() {
		return nil, fmt.Errorf("%w: %s/%s", ErrAlreadyDecided,
			execID, stepID)
	}

	req.Status = status
	req.DecidedBy = decidedBy
	req.Reason = reason
	req.DecidedAt = time.Now()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(
		ctx, s.requestKey(execID, stepID), data, 0,
	).Err(); err != nil {
		return nil, err
	}
	if err := s.client.SRem(
		ctx, s.pendingKey(), member(execID, stepID),
	).Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// GetPending returns all undecided approval requests, optionally filtered
// to one execution
func (s *Store) GetPending(
	ctx context.Context, execID api.ExecutionID,
) ([]*api.ApprovalRequest, error) {
	members, err := s.client.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, err
	}

	var res []*api.ApprovalRequest
	for _, m := range members {
		req, err := s.getMember(ctx, m)
		if err != nil {
			return nil, err
		}
		if req == nil {
			continue
		}
		if execID != "" && req.ExecutionID != execID {
			continue
		}
		res = append(res, req)
	}
	return res, nil
}

// Delete removes a request, typically when its execution is cancelled
func (s *Store) Delete(
	ctx context.Context, execID api.ExecutionID, stepID api.StepID,
) error {
	if err := s.client.SRem(
		ctx, s.pendingKey(), member(execID, stepID),
	).Err(); err != nil {
		return err
	}
	return s.client.Del(ctx, s.requestKey(execID, stepID)).Err()
}

func (s *Store) getMember(
	ctx context.Context, m string,
) (*api.ApprovalRequest, error) {
	data, err := s.client.Get(ctx, s.prefix+":approval:"+m).Bytes()
	if errors.Is(err, redis.Nil) {
		// Orphaned pending entry; drop it
		_ = s.client.SRem(ctx, s.pendingKey(), m).Err()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var req api.ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) requestKey(
	execID api.ExecutionID, stepID api.StepID,
) string {
	return s.prefix + ":approval:" + member(execID, stepID)
}

func (s *Store) pendingKey() string {
	return s.prefix + ":approval:pending"
}

func member(execID api.ExecutionID, stepID api.StepID) string {
	return string(execID) + "/" + string(stepID)
}
