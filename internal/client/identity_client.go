package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// getUserRolesMethod is the identity service RPC. Request and response are
// google.protobuf.Struct: {"user_id": "..."} → {"roles": ["fc", ...]}.
const getUserRolesMethod = "/platform.identity.v1.IdentityService/GetUserRoles"

// IdentityGRPCClient implements service.IdentityClientInterface against the
// platform identity gRPC service.
type IdentityGRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewIdentityGRPCClient dials the identity gRPC service and returns a client.
func NewIdentityGRPCClient(addr string, timeout time.Duration) (*IdentityGRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return newIdentityClient(conn, timeout), nil
}

func newIdentityClient(conn *grpc.ClientConn, timeout time.Duration) *IdentityGRPCClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &IdentityGRPCClient{conn: conn, timeout: timeout}
}

// Close releases the underlying gRPC connection.
func (c *IdentityGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// GetUserRoles returns the role names a user currently holds.
func (c *IdentityGRPCClient) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	req, err := structpb.NewStruct(map[string]any{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("failed to build roles request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, getUserRolesMethod, req, resp); err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}

	list := resp.GetFields()["roles"].GetListValue()
	roles := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		if s := strings.TrimSpace(v.GetStringValue()); s != "" {
			roles = append(roles, s)
		}
	}
	return roles, nil
}

// StaticRoles resolves roles from a fixed user → roles table. Used when no
// identity service is configured.
type StaticRoles map[string][]string

// ParseStaticRoles parses "user=role1|role2,user2=role3".
func ParseStaticRoles(spec string) (StaticRoles, error) {
	out := make(StaticRoles)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, roles, ok := strings.Cut(entry, "=")
		user = strings.TrimSpace(user)
		if !ok || user == "" || strings.TrimSpace(roles) == "" {
			return nil, fmt.Errorf("invalid static role entry %q", entry)
		}
		for _, r := range strings.Split(roles, "|") {
			if r = strings.TrimSpace(r); r != "" {
				out[user] = append(out[user], r)
			}
		}
	}
	return out, nil
}

// GetUserRoles implements service.IdentityClientInterface. Unknown users
// hold no roles.
func (s StaticRoles) GetUserRoles(_ context.Context, userID string) ([]string, error) {
	return append([]string(nil), s[userID]...), nil
}
