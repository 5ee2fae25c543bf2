package auth

import (
	"context"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

const valkeyKeyPrefix = "semantis:key:"

// ValkeyRegistry shares key state across replicas through a Valkey hash per
// key. Unknown keys validate successfully and materialize on first use.
type ValkeyRegistry struct {
	client valkey.Client
}

func NewValkeyRegistry(client valkey.Client) *ValkeyRegistry {
	return &ValkeyRegistry{client: client}
}

func keyName(token string) string {
	return valkeyKeyPrefix + token
}

func (r *ValkeyRegistry) Validate(ctx context.Context, token string) error {
	resp := r.client.Do(ctx, r.client.B().Hget().Key(keyName(token)).Field("active").Build())
	active, err := resp.ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil
		}
		return fmt.Errorf("reading key state: %w", err)
	}
	if active == "0" {
		return UnauthorizedError{Message: MsgMissingKey}
	}
	return nil
}

func (r *ValkeyRegistry) RecordUse(ctx context.Context, token string, tenantId string) error {
	name := keyName(token)
	if err := r.client.Do(ctx, r.client.B().Hsetnx().Key(name).Field("tenant_id").Value(tenantId).Build()).Error(); err != nil {
		return fmt.Errorf("registering key tenant: %w", err)
	}
	if err := r.client.Do(ctx, r.client.B().Hsetnx().Key(name).Field("active").Value("1").Build()).Error(); err != nil {
		return fmt.Errorf("registering key state: %w", err)
	}
	if err := r.client.Do(ctx, r.client.B().Hincrby().Key(name).Field("total_requests").Increment(1).Build()).Error(); err != nil {
		return fmt.Errorf("counting key use: %w", err)
	}
	return nil
}

func (r *ValkeyRegistry) LogUsage(ctx context.Context, usage Usage) error {
	name := keyName(usage.Token)
	field := "misses"
	if usage.Hit {
		field = "hits"
	}
	if err := r.client.Do(ctx, r.client.B().Hincrby().Key(name).Field(field).Increment(1).Build()).Error(); err != nil {
		return fmt.Errorf("counting %s: %w", field, err)
	}
	if usage.TokensSaved > 0 {
		if err := r.client.Do(ctx, r.client.B().Hincrby().Key(name).Field("tokens_saved").Increment(usage.TokensSaved).Build()).Error(); err != nil {
			return fmt.Errorf("counting tokens saved: %w", err)
		}
	}
	return nil
}

// Revoke deactivates a key cluster-wide.
func (r *ValkeyRegistry) Revoke(ctx context.Context, token string) error {
	return r.client.Do(ctx, r.client.B().Hset().Key(keyName(token)).FieldValue().FieldValue("active", "0").Build()).Error()
}
