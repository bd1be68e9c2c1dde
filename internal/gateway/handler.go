package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cmdgate/cmdgate/internal/completion"
	"github.com/cmdgate/cmdgate/internal/config"
	"github.com/cmdgate/cmdgate/internal/hooks"
	"github.com/cmdgate/cmdgate/internal/partial"
	"github.com/cmdgate/cmdgate/internal/procmgr"
	"github.com/cmdgate/cmdgate/internal/session"
	"github.com/cmdgate/cmdgate/internal/stream"
	"github.com/cmdgate/cmdgate/internal/timeout"
	"github.com/cmdgate/cmdgate/pkg/jsonrpc"
	"github.com/cmdgate/cmdgate/pkg/taskdesc"
)

// ServerVersion is reported in the `connected` handshake notification.
const ServerVersion = "1.0"

// Handler is the Protocol Handler: it owns method dispatch for every
// connected session and wires PGC/SMX/CD/TE/PRA/HB together per
// execution.
type Handler struct {
	log *zap.Logger
	cfg *config.Config

	sessions   *session.Manager
	estimator  *timeout.Estimator
	assembler  *partial.Assembler
	hookSpecs  []hooks.Spec
}

// New builds a Handler. hookSpecs is the operator-configured set of
// lifecycle hook commands (possibly empty).
func New(log *zap.Logger, cfg *config.Config, sessions *session.Manager, estimator *timeout.Estimator, assembler *partial.Assembler, hookSpecs []hooks.Spec) *Handler {
	return &Handler{
		log:       log,
		cfg:       cfg,
		sessions:  sessions,
		estimator: estimator,
		assembler: assembler,
		hookSpecs: hookSpecs,
	}
}

// HandleConnection runs one WebSocket connection end-to-end: allocates a
// session, sends the handshake, and pumps the connection until it closes.
func (h *Handler) HandleConnection(conn *websocket.Conn) {
	sess, err := h.sessions.Create()
	if err != nil {
		h.log.Warn("rejecting connection: session limit reached")
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(
			websocket.ClosePolicyViolation,
			fmt.Sprintf("SessionLimit(%d): max sessions reached", jsonrpc.CodeSessionLimit),
		))
		_ = conn.Close()
		return
	}

	log := h.log.With(zap.String("session_id", sess.ID.String()))

	var client *Client
	client = NewClient(log, conn, h.cfg.MaxFrameBytes, h.cfg.HeartbeatInterval, h.cfg.HeartbeatIdle,
		func(raw []byte) { h.dispatch(raw, sess, client) },
		func() { h.sessions.Destroy(context.Background(), sess.ID) },
	)

	go client.WritePump()

	client.SendNotification("connected", ConnectedNotification{
		SessionID:    sess.ID.String(),
		Version:      ServerVersion,
		Capabilities: []string{"execute", "control", "hook"},
	})

	client.ReadPump()
}

func (h *Handler) dispatch(raw []byte, sess *session.Session, client *Client) {
	sess.Touch()

	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		// spec.md §4.6: an oversized frame or invalid JSON-RPC envelope
		// closes the connection with a protocol error, it does not get an
		// error response.
		client.CloseWithProtocolError(fmt.Sprintf("ProtocolError(%d): malformed JSON-RPC envelope", jsonrpc.CodeProtocolError))
		return
	}
	if req.JSONRPC != jsonrpc.Version {
		client.CloseWithProtocolError(fmt.Sprintf("ProtocolError(%d): unsupported jsonrpc version", jsonrpc.CodeProtocolError))
		return
	}

	switch req.Method {
	case "execute":
		h.handleExecute(req, sess, client)
	case "control":
		h.handleControl(req, sess, client)
	case "hook":
		h.handleHook(req, sess, client)
	default:
		client.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil))
	}
}

func (h *Handler) handleExecute(req jsonrpc.Request, sess *session.Session, client *Client) {
	var params ExecuteParams
	if err := req.ParseParams(&params); err != nil {
		client.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, err.Error(), nil))
		return
	}
	if strings.TrimSpace(params.Command) == "" {
		client.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "command must not be empty", nil))
		return
	}
	if sess.HasExecuted() {
		client.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "session has already executed a command", nil))
		return
	}

	desc := &taskdesc.Descriptor{
		Command:              params.Command,
		Env:                  params.Env,
		Cwd:                  params.Cwd,
		Complexity:           taskdesc.Complexity(params.Complexity),
		ExpectedOutputTokens: params.ExpectedOutputTokens,
		ToolsAllowed:         params.ToolsAllowed,
	}
	if params.Timeout > 0 {
		desc.TimeoutOverride = time.Duration(params.Timeout * float64(time.Second))
	}

	ctx, cancel := context.WithCancel(context.Background())
	timeoutDur := h.estimator.Estimate(ctx, desc)

	bridge := hooks.New(h.log, h.hookSpecs)
	preOutcomes := bridge.Run(ctx, hooks.PointPreExecute, desc)
	go func() {
		for range preOutcomes {
			// drained in the background; pre-execute must not block spawn
		}
	}()

	procSpec := procmgr.Spec{
		Command: desc.Command,
		Env:     envSlice(desc.Env),
		Cwd:     desc.Cwd,
		UsePTY:  usePTY(desc),
	}

	proc, err := procmgr.Spawn(ctx, h.log, procSpec, h.cfg.SIGKILLGrace)
	if err != nil {
		cancel()
		client.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeSpawnFailed, err.Error(), nil))
		return
	}

	outSink := newOutputSink(client)
	det := completion.New(nil)
	complSink := completion.NewStreamSink(det, func(ec completion.EarlyCompletion) {
		h.log.Info("early completion marker observed", zap.String("session_id", sess.ID.String()))
	})
	mux := stream.New(h.log, int(h.cfg.MaxLineBytes), h.cfg.MaxOutputBytes, outSink, complSink)

	if !sess.BeginExecution(proc, mux, det) {
		cancel()
		client.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "session has already executed a command", nil))
		return
	}

	resp, err := jsonrpc.NewResult(req.ID, ExecuteResult{Status: "started", PID: proc.PID(), PGID: proc.PGID()})
	if err != nil {
		h.log.Error("failed to encode execute result", zap.Error(err))
	} else {
		client.Send(resp)
	}

	go h.superviseExecution(ctx, cancel, sess, client, proc, mux, outSink, det, desc, timeoutDur, params.Structured, bridge)
}

func (h *Handler) superviseExecution(
	ctx context.Context,
	cancel context.CancelFunc,
	sess *session.Session,
	client *Client,
	proc *procmgr.Process,
	mux *stream.Multiplexer,
	outSink *outputSink,
	det *completion.Detector,
	desc *taskdesc.Descriptor,
	timeoutDur time.Duration,
	structured bool,
	bridge *hooks.Bridge,
) {
	defer cancel()

	drainDone := make(chan struct{})
	go func() {
		_ = mux.Drain(ctx, proc.Stdout(), proc.Stderr(), proc.Done())
		close(drainDone)
	}()

	timer := time.NewTimer(timeoutDur)
	defer timer.Stop()

	var result CompletedNotification
	var cancelled bool

	select {
	case <-proc.Done():
		<-drainDone
		exit := proc.Wait()
		h.estimator.RecordOutcome(ctx, desc, time.Since(proc.StartedAt()))
		result = h.buildCompletedResult(client, exit, det, mux)

	case <-timer.C:
		res := h.assembler.Assemble(ctx, proc, drainDone, outSink.accumulated(), partial.ReasonTimeout, structured)
		result = partialToNotification(res)

	case <-sess.CancelRequested():
		cancelled = true
		res := h.assembler.Assemble(ctx, proc, drainDone, outSink.accumulated(), partial.ReasonCancelled, structured)
		result = partialToNotification(res)
	}

	outcomes := bridge.Run(ctx, hooks.PointPostExecute, desc)
	for o := range outcomes {
		if w := o.Warning(); w != "" {
			result.Warnings = append(result.Warnings, w)
		}
	}

	// CANCEL always emits process.cancelled only, never also
	// process.completed, so "exactly one completion per execution"
	// (spec.md §8) holds trivially.
	if cancelled {
		client.SendNotification("process.cancelled", CancelledNotification{Reason: "cancelled", Warnings: result.Warnings})
		return
	}

	client.SendNotification("process.completed", result)
}

func (h *Handler) buildCompletedResult(client *Client, exit procmgr.ExitInfo, det *completion.Detector, mux *stream.Multiplexer) CompletedNotification {
	code := exit.ExitCode
	reason := "ok"
	switch {
	case exit.Signaled:
		reason = "signal"
	case exit.ExitCode != 0:
		// A non-zero, non-signaled exit must not be reported as "ok" — that
		// would mask the failure (spec.md §5 scenario 5: exit_code:3,
		// partial:false, reason:"exit_nonzero").
		reason = "exit_nonzero"
	}

	var artifacts []string
	for _, a := range det.Artifacts() {
		artifacts = append(artifacts, a.Path)
	}

	result := CompletedNotification{
		ExitCode:    &code,
		Reason:      reason,
		Partial:     false,
		Artifacts:   artifacts,
		TimeSavedMS: det.TimeSavedMS(time.Now()),
	}

	if det.SuccessDetected() && exit.ExitCode != 0 {
		// CD declared early success but the process later exited non-zero:
		// preserve the real exit code via a dedicated notification sent
		// ahead of process.completed (spec.md §4.6).
		client.SendNotification("process.failed_after_completion", FailedAfterCompletionNotification{ExitCode: exit.ExitCode})
	}

	if mux.Overflowed() {
		client.SendNotification("error.token_limit_exceeded", TokenLimitExceededNotification{TotalBytes: mux.TotalBytes()})
		result.Warnings = append(result.Warnings, "output exceeded the per-session cap and was truncated")
	}

	return result
}

func partialToNotification(res partial.Result) CompletedNotification {
	n := CompletedNotification{
		ExitCode: nil,
		Reason:   string(res.Reason),
		Partial:  true,
	}
	if res.OutputSummary != nil {
		n.OutputSummary = res.OutputSummary
	}
	return n
}

func (h *Handler) handleControl(req jsonrpc.Request, sess *session.Session, client *Client) {
	var params ControlParams
	if err := req.ParseParams(&params); err != nil {
		client.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, err.Error(), nil))
		return
	}

	proc := sess.Process()
	if proc == nil {
		client.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "no active process for this session", nil))
		return
	}

	var control procmgr.Control
	switch strings.ToUpper(params.Type) {
	case "PAUSE":
		control = procmgr.ControlPause
	case "RESUME":
		control = procmgr.ControlResume
	case "CANCEL":
		control = procmgr.ControlCancel
	default:
		client.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, fmt.Sprintf("unknown control type %q", params.Type), nil))
		return
	}

	if err := proc.Signal(control); err != nil {
		client.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, err.Error(), nil))
		return
	}
	if control == procmgr.ControlCancel {
		sess.RequestCancel()
	}

	resp, err := jsonrpc.NewResult(req.ID, ControlResult{Status: "ok", State: proc.State().String()})
	if err != nil {
		h.log.Error("failed to encode control result", zap.Error(err))
		return
	}
	client.Send(resp)
}

func (h *Handler) handleHook(req jsonrpc.Request, sess *session.Session, client *Client) {
	var params HookParams
	if err := req.ParseParams(&params); err != nil {
		client.Send(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, err.Error(), nil))
		return
	}

	resp, err := jsonrpc.NewResult(req.ID, map[string]string{"status": "acknowledged", "phase": params.Phase})
	if err != nil {
		h.log.Error("failed to encode hook result", zap.Error(err))
		return
	}
	client.Send(resp)
}

func envSlice(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

// usePTY requests a pseudo-terminal for commands whose tools are known to
// line-buffer differently under a pipe than a tty (spec.md §4.1).
func usePTY(d *taskdesc.Descriptor) bool {
	for _, t := range d.ToolsAllowed {
		if t == "pty" {
			return true
		}
	}
	return false
}
