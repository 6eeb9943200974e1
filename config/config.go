// Package config collects every tunable timeout and budget named in the
// spec into one struct, loadable from the environment, so a deployer isn't
// stuck with the spec's literal numbers baked in as constants.
package config

import (
	"time"

	"github.com/mstoykov/envconfig"
)

// Config holds the process-wide tunables. Field tags are consumed by
// envconfig; defaults match the literal numbers named throughout the spec.
type Config struct {
	// CallTimeout bounds Debugger.SendRequest (spec 4.2: "120 s elapses").
	CallTimeout time.Duration `envconfig:"CHROMEMASTER_CALL_TIMEOUT" default:"120s"`

	// CallPollInterval is a short-poll granularity for blocking calls. It
	// is not read by Debugger.SendRequest, which blocks on the pending
	// call's response channel instead of polling.
	CallPollInterval time.Duration `envconfig:"CHROMEMASTER_CALL_POLL_INTERVAL" default:"5ms"`

	// TransportReadyTimeout/Interval carry the transport-open budget (spec
	// 4.1). Transport.WaitReady does not read them: it uses the package
	// variables transport.ReadyTimeout/ReadyInterval, which have the same
	// defaults and are not set from this Config.
	TransportReadyTimeout  time.Duration `envconfig:"CHROMEMASTER_TRANSPORT_READY_TIMEOUT" default:"10s"`
	TransportReadyInterval time.Duration `envconfig:"CHROMEMASTER_TRANSPORT_READY_INTERVAL" default:"100ms"`

	// RetryTTL is the maximum age of a notification re-enqueued onto the
	// retry queue before it is dropped with a warning (spec 3, 4.2: 10s).
	RetryTTL time.Duration `envconfig:"CHROMEMASTER_RETRY_TTL" default:"10s"`

	// RetryDelay is how far into the future a MessageNotHandled
	// notification is re-scheduled (spec 4.2: runAt = now + 2s).
	RetryDelay time.Duration `envconfig:"CHROMEMASTER_RETRY_DELAY" default:"2s"`

	// DispatchIdleInterval is how long the dispatch loop sleeps when both
	// the main and retry queues are empty (spec 4.2: idle 10ms).
	DispatchIdleInterval time.Duration `envconfig:"CHROMEMASTER_DISPATCH_IDLE_INTERVAL" default:"10ms"`

	// ConsoleLogCapacity bounds the Runtime console log ring (spec 3: 100).
	ConsoleLogCapacity int `envconfig:"CHROMEMASTER_CONSOLE_LOG_CAPACITY" default:"100"`

	// ContextResolveTimeout bounds Eval's frame->context resolution (spec
	// 4.5: 10s budget). Runtime's ContextID wakes on each
	// executionContextCreated rather than polling, so ContextResolveInterval
	// is not read.
	ContextResolveTimeout  time.Duration `envconfig:"CHROMEMASTER_CONTEXT_RESOLVE_TIMEOUT" default:"10s"`
	ContextResolveInterval time.Duration `envconfig:"CHROMEMASTER_CONTEXT_RESOLVE_INTERVAL" default:"500ms"`

	// SessionWaitTimeout bounds Target.WaitForSessionID (spec 4.3: 10s).
	SessionWaitTimeout time.Duration `envconfig:"CHROMEMASTER_SESSION_WAIT_TIMEOUT" default:"10s"`

	// EvalRetryTimeout/Interval bound Eval's short-poll retry when the
	// execution context is evicted mid-call (spec 4.5: "On IDNotFound,
	// short-poll and retry; persistent failure surfaces the last error").
	EvalRetryTimeout  time.Duration `envconfig:"CHROMEMASTER_EVAL_RETRY_TIMEOUT" default:"5s"`
	EvalRetryInterval time.Duration `envconfig:"CHROMEMASTER_EVAL_RETRY_INTERVAL" default:"200ms"`

	// TargetInfoWaitTimeout bounds Target.WaitForSessionID's fallback poll
	// granularity when woken spuriously (spec 4.3 models this as a 0.5s
	// short-poll; here it only bounds how long a stale wakeup can block).
	TargetInfoWaitTimeout time.Duration `envconfig:"CHROMEMASTER_TARGET_INFO_WAIT_TIMEOUT" default:"500ms"`

	// ScreencastQuiescence is how long save_screen_record waits for no new
	// frame before muxing (spec 4.4: 5s).
	ScreencastQuiescence time.Duration `envconfig:"CHROMEMASTER_SCREENCAST_QUIESCENCE" default:"5s"`

	// ScreencastFPS is the frame rate assumed when computing frame
	// duplication (spec 4.4: 10 FPS).
	ScreencastFPS int `envconfig:"CHROMEMASTER_SCREENCAST_FPS" default:"10"`

	// PageResolveTimeout/Interval bound Master.FindPage's short-poll of
	// get_page_list (spec 4.9: 5s budget, 500ms interval).
	PageResolveTimeout  time.Duration `envconfig:"CHROMEMASTER_PAGE_RESOLVE_TIMEOUT" default:"5s"`
	PageResolveInterval time.Duration `envconfig:"CHROMEMASTER_PAGE_RESOLVE_INTERVAL" default:"500ms"`

	// BootstrapTimeout/Interval bound RemoteDebugger's wait for
	// Runtime.get_main_context_id() to become non-empty (spec 4.9: 2s/200ms).
	BootstrapTimeout  time.Duration `envconfig:"CHROMEMASTER_BOOTSTRAP_TIMEOUT" default:"2s"`
	BootstrapInterval time.Duration `envconfig:"CHROMEMASTER_BOOTSTRAP_INTERVAL" default:"200ms"`
}

// Default returns a Config populated with the spec's literal defaults.
func Default() Config {
	var c Config
	// envconfig.Process sets each field from its environment variable when
	// one is set and from its `default:` tag otherwise, so one empty-prefix
	// pass over a zero-value struct applies the defaults plus any
	// environment overrides.
	_ = envconfig.Process("", &c)
	return c
}
