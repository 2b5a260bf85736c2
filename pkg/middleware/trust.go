package middleware

import (
	"bytes"
	"io"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/pkg/config"
	"github.com/hewenyu/kong-mesh/pkg/signature"
)

// TrustGateway 校验请求签名与时间戳
//
// debug为true时完全跳过校验，只能用于本地开发。
func TrustGateway(signer *signature.Signer, debug bool, logger config.Logger) echo.MiddlewareFunc {
	return trust(signer, debug, false, logger)
}

// TrustService 在TrustGateway的基础上要求 X-Service-Name 请求头
func TrustService(signer *signature.Signer, debug bool, logger config.Logger) echo.MiddlewareFunc {
	return trust(signer, debug, true, logger)
}

func trust(signer *signature.Signer, debug, requireService bool, logger config.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	if debug {
		logger.Warn("!!! 调试模式已开启：入站请求签名校验被跳过，禁止在生产环境使用 !!!")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if requireService && req.Header.Get(signature.HeaderServiceName) == "" {
				return ErrMissingServiceName
			}
			if debug {
				return next(c)
			}

			sig := req.Header.Get(signature.HeaderSignature)
			ts := req.Header.Get(signature.HeaderTimestamp)
			if sig == "" || ts == "" {
				return ErrMissingSignature
			}

			body, err := readBody(c)
			if err != nil {
				return err
			}

			if !signer.Verify(req.Method, req.URL.Path, body, ts, sig) {
				return ErrInvalidSignature
			}
			return next(c)
		}
	}
}

// readBody 读取请求体并放回，后续处理器仍可读取
func readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
