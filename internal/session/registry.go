// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/listen-api/pkg/commons"
)

const (
	registryTTL = 10 * time.Minute

	sessionKeyFormat      = "listen:session:%s"
	ownerKeyFormat        = "listen:owner:%s"
	conversationKeyFormat = "listen:session:%s:conversation"
)

// Registry tracks live sessions in redis. It gives the fleet two things:
// newest-wins ownership (a device reconnecting displaces its stale session
// on any node) and the conversation binding set by the client mid-stream.
type Registry struct {
	logger commons.Logger
	client redis.UniversalClient
}

// NewRegistry wraps an established redis client.
func NewRegistry(logger commons.Logger, client redis.UniversalClient) *Registry {
	return &Registry{logger: logger, client: client}
}

// Claim registers sessionID as the owner's live session and returns the id
// of the session it displaced, if any.
func (r *Registry) Claim(ctx context.Context, ownerID, sessionID string) (string, error) {
	key := fmt.Sprintf(ownerKeyFormat, ownerID)
	prev, err := r.client.GetSet(ctx, key, sessionID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("claim owner %s: %w", ownerID, err)
	}
	if err := r.client.Expire(ctx, key, registryTTL).Err(); err != nil {
		r.logger.Warnw("registry expire failed", "key", key, "error", err)
	}
	if sErr := r.client.Set(ctx, fmt.Sprintf(sessionKeyFormat, sessionID), ownerID, registryTTL).Err(); sErr != nil {
		return "", fmt.Errorf("register session %s: %w", sessionID, sErr)
	}
	if prev == sessionID {
		prev = ""
	}
	return prev, nil
}

// Touch refreshes the session TTL; called from the heartbeat loop.
func (r *Registry) Touch(ctx context.Context, ownerID, sessionID string) {
	if err := r.client.Expire(ctx, fmt.Sprintf(sessionKeyFormat, sessionID), registryTTL).Err(); err != nil {
		r.logger.Debugw("registry touch failed", "session", sessionID, "error", err)
	}
	if err := r.client.Expire(ctx, fmt.Sprintf(ownerKeyFormat, ownerID), registryTTL).Err(); err != nil {
		r.logger.Debugw("registry touch failed", "owner", ownerID, "error", err)
	}
}

// BindConversation records the conversation the client attached mid-stream.
func (r *Registry) BindConversation(ctx context.Context, sessionID, conversationID string) error {
	key := fmt.Sprintf(conversationKeyFormat, sessionID)
	if err := r.client.Set(ctx, key, conversationID, registryTTL).Err(); err != nil {
		return fmt.Errorf("bind conversation %s: %w", conversationID, err)
	}
	return nil
}

// Conversation returns the bound conversation id, empty when none was set.
func (r *Registry) Conversation(ctx context.Context, sessionID string) string {
	val, err := r.client.Get(ctx, fmt.Sprintf(conversationKeyFormat, sessionID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warnw("conversation lookup failed", "session", sessionID, "error", err)
		}
		return ""
	}
	return val
}

// Release removes the session records. The owner key is only cleared when
// this session still holds it; a newer session's claim stays intact.
func (r *Registry) Release(ctx context.Context, ownerID, sessionID string) {
	ownerKey := fmt.Sprintf(ownerKeyFormat, ownerID)
	current, err := r.client.Get(ctx, ownerKey).Result()
	if err == nil && current == sessionID {
		if err := r.client.Del(ctx, ownerKey).Err(); err != nil {
			r.logger.Warnw("registry release failed", "key", ownerKey, "error", err)
		}
	}
	keys := []string{
		fmt.Sprintf(sessionKeyFormat, sessionID),
		fmt.Sprintf(conversationKeyFormat, sessionID),
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.Warnw("registry release failed", "session", sessionID, "error", err)
	}
}
