package grpcserver

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/limiter"
)

// LoggingUnary returns a unary server interceptor for structured logging.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)

		// никаких пейлоадов, только метаданные
		log.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", remoteIP(ctx)),
		)
		return resp, err
	}
}

// RecoverUnary returns a unary server interceptor that recovers from panics.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}

// AuthUnary requires a valid HS256 bearer token on control service calls and stores its
// subject in the context. Other services, such as health, pass through.
func AuthUnary(signKey []byte, log *zap.Logger) grpc.UnaryServerInterceptor {
	return GuardedAuthUnary(signKey, nil, log)
}

// GuardedAuthUnary is AuthUnary with a per-peer lockout after repeated bad tokens.
// A nil limiter disables the lockout. Limiter errors never block a call.
func GuardedAuthUnary(signKey []byte, lim limiter.Limiter, log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
			return next(ctx, req)
		}
		peerKey := limiter.HashPeer(remoteIP(ctx))
		if lim != nil {
			allowed, retry, err := lim.Allow(ctx, peerKey)
			if err != nil {
				log.Warn("limiter allow", zap.Error(err))
			} else if !allowed {
				return nil, status.Errorf(codes.ResourceExhausted, "%v: retry in %s", errs.ErrRateLimited, retry.Round(time.Second))
			}
		}

		op, err := operatorFromToken(ctx, signKey)
		if err != nil {
			log.Warn("rejected call", zap.String("method", info.FullMethod), zap.String("peer", remoteIP(ctx)), zap.Error(err))
			if lim != nil {
				if blocked, _, ferr := lim.Failure(ctx, peerKey); ferr == nil && blocked {
					return nil, status.Error(codes.ResourceExhausted, errs.ErrRateLimited.Error())
				}
			}
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if lim != nil {
			_ = lim.Success(ctx, peerKey)
		}
		return next(WithOperator(ctx, op), req)
	}
}

// operatorFromToken: extract "authorization: Bearer <JWT>", verify HS256, return sub.
func operatorFromToken(ctx context.Context, signKey []byte) (string, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return "", err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return signKey, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30*time.Second), jwt.WithExpirationRequired())
	if err := v.Validate(&claims); err != nil {
		return "", errors.New("token expired or not valid yet")
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("empty subject")
	}
	return claims.Subject, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
