package grpcapi

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"impactsurvey.org/internal/audit"
	"impactsurvey.org/internal/auth"
	"impactsurvey.org/internal/obs"
	"impactsurvey.org/internal/ratelimit"
)

const healthPrefix = "/grpc.health.v1.Health/"

// Authenticator verifies a session token. *auth.Service satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Claims, *auth.Account, error)
}

type guard struct {
	auth    Authenticator
	limiter *ratelimit.Limiter
	audit   *audit.Logger
	now     func() time.Time
}

func exempt(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, healthPrefix)
}

// admit applies the general limiter to the peer and authenticates the
// bearer token carried in the "authorization" metadata.
func (g *guard) admit(ctx context.Context, fullMethod string) (context.Context, error) {
	if exempt(fullMethod) {
		return ctx, nil
	}

	if g.limiter != nil {
		host := peerHost(ctx)
		key := ratelimit.Key(ratelimit.APIGeneral, host, "")
		res := g.limiter.Check(ctx, ratelimit.APIGeneral, key)
		if !res.Allowed {
			g.audit.Record(ctx, audit.Entry{
				Action:    audit.ActionRateLimitViolation,
				Details:   fmt.Sprintf("%s on %s", ratelimit.ViolationDetails(ratelimit.APIGeneral, host, res), fullMethod),
				IP:        host,
				UserAgent: userAgent(ctx),
			})
			retry := strconv.Itoa(res.RetryAfter(g.now()))
			_ = grpc.SetHeader(ctx, metadata.Pairs("retry-after", retry))
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry after %ss", retry)
		}
	}

	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
	}
	token, ok := auth.ExtractBearer(header)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	claims, _, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		obs.Logger().DebugContext(ctx, "grpc authentication failed", "method", fullMethod, "error", err.Error())
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	ctx = auth.ContextWithClaims(ctx, claims)
	return auth.ContextWithToken(ctx, token), nil
}

// UnaryAuth guards unary calls. Health methods pass untouched. auditLog may
// be nil.
func UnaryAuth(a Authenticator, limiter *ratelimit.Limiter, auditLog *audit.Logger) grpc.UnaryServerInterceptor {
	g := &guard{auth: a, limiter: limiter, audit: auditLog, now: time.Now}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := g.admit(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuth guards streaming calls. Health methods pass untouched.
func StreamAuth(a Authenticator, limiter *ratelimit.Limiter, auditLog *audit.Logger) grpc.StreamServerInterceptor {
	g := &guard{auth: a, limiter: limiter, audit: auditLog, now: time.Now}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := g.admit(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &claimsStream{ServerStream: ss, ctx: ctx})
	}
}

type claimsStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *claimsStream) Context() context.Context { return s.ctx }

func userAgent(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("user-agent"); len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
