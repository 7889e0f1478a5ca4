package detach

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const unitPrefix = "tunnelkeeper-"

// UnitName derives the stable supervisor unit name for a service.
func UnitName(serviceName string) string {
	return unitPrefix + serviceName + ".service"
}

// Spec describes the detached work handed to the supervisor. Environment is
// passed explicitly into the unit; nothing is inherited from the invoking
// shell, which vanishes with the parent session.
type Spec struct {
	ServiceName string
	Description string
	ExecStart   []string
	Environment map[string]string

	RestartDelay time.Duration
	StartLimit   int
	StartWindow  time.Duration
}

func (s Spec) withDefaults() Spec {
	if s.Description == "" {
		s.Description = "tunnelkeeper supervised tunnel " + s.ServiceName
	}
	if s.RestartDelay <= 0 {
		s.RestartDelay = 3 * time.Second
	}
	if s.StartLimit <= 0 {
		s.StartLimit = 5
	}
	if s.StartWindow <= 0 {
		s.StartWindow = time.Minute
	}
	return s
}

func (s Spec) validate() error {
	if s.ServiceName == "" {
		return fmt.Errorf("spec is missing a service name")
	}
	if len(s.ExecStart) == 0 {
		return fmt.Errorf("spec for service %q has no command", s.ServiceName)
	}
	return nil
}

// renderUnit produces the systemd unit file. Restart=always with a short
// fixed RestartSec is the external half of the tunnel's restart policy; the
// StartLimit settings are the crash-loop cap.
func renderUnit(s Spec) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "[Unit]\n")
	fmt.Fprintf(&b, "Description=%s\n", s.Description)
	fmt.Fprintf(&b, "After=network-online.target\n")
	fmt.Fprintf(&b, "StartLimitIntervalSec=%d\n", int(s.StartWindow.Seconds()))
	fmt.Fprintf(&b, "StartLimitBurst=%d\n", s.StartLimit)
	fmt.Fprintf(&b, "\n[Service]\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", strings.Join(quoteArgs(s.ExecStart), " "))
	fmt.Fprintf(&b, "Restart=always\n")
	fmt.Fprintf(&b, "RestartSec=%d\n", int(s.RestartDelay.Seconds()))
	fmt.Fprintf(&b, "SyslogIdentifier=%s\n", unitPrefix+s.ServiceName)

	keys := make([]string, 0, len(s.Environment))
	for k := range s.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "Environment=%q\n", k+"="+s.Environment[k])
	}

	fmt.Fprintf(&b, "\n[Install]\n")
	fmt.Fprintf(&b, "WantedBy=multi-user.target\n")

	return []byte(b.String())
}

func quoteArgs(args []string) []string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		if strings.ContainsAny(arg, " \t\"'") {
			quoted[i] = fmt.Sprintf("%q", arg)
			continue
		}
		quoted[i] = arg
	}
	return quoted
}
