package logz

import (
	"time"

	"go.uber.org/zap"
)

func Error(err error) zap.Field {
	return zap.Error(err)
}

func Identity(name string) zap.Field {
	return zap.String("identity", name)
}

func Service(name string) zap.Field {
	return zap.String("service_name", name)
}

func Unit(name string) zap.Field {
	return zap.String("unit", name)
}

func RemoteEndpoint(endpoint string) zap.Field {
	return zap.String("remote_endpoint", endpoint)
}

func RemoteAddr(addr string) zap.Field {
	return zap.String("remote_addr", addr)
}

func BindAddr(addr string) zap.Field {
	return zap.String("bind_addr", addr)
}

func TargetAddr(addr string) zap.Field {
	return zap.String("target_addr", addr)
}

func MetricsAddr(addr string) zap.Field {
	return zap.String("metrics_addr", addr)
}

func Path(path string) zap.Field {
	return zap.String("path", path)
}

func Attempt(attempt int) zap.Field {
	return zap.Int("attempt", attempt)
}

func Attempts(attempts int) zap.Field {
	return zap.Int("attempts", attempts)
}

func State(state string) zap.Field {
	return zap.String("state", state)
}

func Reason(reason string) zap.Field {
	return zap.String("reason", reason)
}

func Port(port int) zap.Field {
	return zap.Int("port", port)
}

func Delay(delay time.Duration) zap.Field {
	return zap.Duration("delay", delay)
}

func Failures(failures int) zap.Field {
	return zap.Int("failures", failures)
}

func Command(command string) zap.Field {
	return zap.String("remote_command", command)
}
