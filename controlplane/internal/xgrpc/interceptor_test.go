package xgrpc

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type testRequest struct {
	Name string `json:"name"`
	MTU  uint16 `json:"mtu"`
}

func newBufferLogger(buf *bytes.Buffer) *zap.SugaredLogger {
	return zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			MessageKey:  "msg",
			LevelKey:    "level",
			EncodeLevel: zapcore.LowercaseLevelEncoder,
		}),
		zapcore.AddSync(buf),
		zap.DebugLevel,
	)).Sugar()
}

func TestAccessLogInterceptor(t *testing.T) {
	tests := []struct {
		name        string
		req         any
		err         error
		wantContain []string
	}{
		{
			name: "struct request",
			req:  &testRequest{Name: "web", MTU: 9000},
			wantContain: []string{
				`"service":"dgw.Gateway"`,
				`"method":"SetServiceAttributes"`,
				`"msg":"completed gRPC execution"`,
				`"status":"OK"`,
			},
		},
		{
			name: "status error",
			req:  &testRequest{Name: "web"},
			err:  status.Error(codes.NotFound, "service \"web\" not found"),
			wantContain: []string{
				`"level":"error"`,
				`"status":"NotFound"`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			logger := newBufferLogger(buf)

			interceptor := AccessLogInterceptor(logger)
			info := &grpc.UnaryServerInfo{FullMethod: "/dgw.Gateway/SetServiceAttributes"}

			_, err := interceptor(context.Background(), tt.req, info, func(ctx context.Context, req any) (any, error) {
				return nil, tt.err
			})
			require.Equal(t, tt.err, err)
			_ = logger.Sync()

			for _, want := range tt.wantContain {
				require.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestAccessLogInterceptorMalformedMethod(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := newBufferLogger(buf)

	interceptor := AccessLogInterceptor(logger)
	info := &grpc.UnaryServerInfo{FullMethod: "broken"}

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"method":"broken"`)
}
