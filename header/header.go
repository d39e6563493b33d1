// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package header carries request-scoped caller identity across RPC hops.
//
// A [Header] travels in a [context.Context]. Channels built by
// [github.com/bufbuild/grpcpool/channel.NewGRPCFactory] install
// [UnaryClientInterceptor] and [StreamClientInterceptor] first, so the
// header in an outgoing call's context is sent as JSON in the
// [MetadataKey] request metadata. Servers install [UnaryServerInterceptor]
// and [StreamServerInterceptor] to restore it into the handler's context.
package header

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MetadataKey is the gRPC metadata key that holds the JSON-encoded header.
const MetadataKey = "grpc-header"

// Header describes the end user and request on whose behalf an RPC is made.
type Header struct {
	RemoteIP  string `json:"remoteIp,omitempty"`
	UserID    int64  `json:"userId,omitempty"`
	OrgID     int64  `json:"orgId,omitempty"`
	Language  string `json:"language,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	// RequestTime is in milliseconds since the Unix epoch.
	RequestTime int64  `json:"requestTime,omitempty"`
	UUID        string `json:"uuid,omitempty"`
	// Tag selects a service version. Built-in load balancers prefer
	// instances whose "version" metadata equals the tag.
	Tag string `json:"tag,omitempty"`
}

// New returns a header stamped with a fresh UUID and the given request time.
func New(now time.Time) Header {
	return Header{
		UUID:        uuid.NewString(),
		RequestTime: now.UnixMilli(),
	}
}

// IsZero reports whether h carries no fields.
func (h Header) IsZero() bool {
	return h == Header{}
}

// TraceID is the identifier used to correlate log lines for the request.
// It is the request ID when present and the UUID otherwise.
func (h Header) TraceID() string {
	if h.RequestID != "" {
		return h.RequestID
	}
	return h.UUID
}

type contextKey struct{}

// NewContext returns a copy of ctx that carries h.
func NewContext(ctx context.Context, h Header) context.Context {
	return context.WithValue(ctx, contextKey{}, h)
}

// FromContext returns the header carried by ctx, if any.
func FromContext(ctx context.Context) (Header, bool) {
	h, ok := ctx.Value(contextKey{}).(Header)
	return h, ok
}

// Fields returns the zap fields identifying the request in ctx. It returns
// nil when ctx carries no header.
func Fields(ctx context.Context) []zap.Field {
	h, ok := FromContext(ctx)
	if !ok {
		return nil
	}
	fields := make([]zap.Field, 0, 3)
	if h.UserID != 0 {
		fields = append(fields, zap.String("userId", strconv.FormatInt(h.UserID, 10)))
	}
	if h.OrgID != 0 {
		fields = append(fields, zap.String("orgId", strconv.FormatInt(h.OrgID, 10)))
	}
	if traceID := h.TraceID(); traceID != "" {
		fields = append(fields, zap.String("traceId", traceID))
	}
	return fields
}

func encode(h Header) (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decode(value string) (Header, error) {
	var h Header
	if err := json.Unmarshal([]byte(value), &h); err != nil {
		return Header{}, err
	}
	return h, nil
}
