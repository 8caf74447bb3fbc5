package subprocess

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/kernelforge/kerneld/internal/driver"
	"github.com/kernelforge/kerneld/internal/protocol"
)

// The in-process driver has no separate guest to bind-mount a
// purpose-built agent binary into (that's what the container driver's
// AgentBinaryPath is for). Instead it drives a plain interpreter
// subprocess through a tiny embedded line protocol: one JSON object in
// per exec, one JSON object out. workerProcess speaks that inner
// protocol; agentConn translates it into the outer protocol.Event wire
// format the bridge expects from Connect.
const pythonAgentScript = `
import sys, os, json, io, ast, contextlib, traceback
_proto_in = sys.stdin
# user code must never read the protocol channel; input() sees EOF instead
sys.stdin = open(os.devnull)
_g = {}
_count = 0
for _line in _proto_in:
    _line = _line.strip()
    if not _line:
        continue
    _req = json.loads(_line)
    _count += 1
    _out, _err, _error, _value = io.StringIO(), io.StringIO(), None, None
    try:
        _tree = ast.parse(_req.get("code", ""), "<kernel>", "exec")
        _tail = None
        if _tree.body and isinstance(_tree.body[-1], ast.Expr):
            _tail = ast.Expression(_tree.body.pop().value)
        with contextlib.redirect_stdout(_out), contextlib.redirect_stderr(_err):
            exec(compile(_tree, "<kernel>", "exec"), _g)
            if _tail is not None:
                _v = eval(compile(_tail, "<kernel>", "eval"), _g)
                if _v is not None:
                    _value = repr(_v)
    except Exception as e:
        _error = {"ename": type(e).__name__, "evalue": str(e), "traceback": traceback.format_exc().splitlines()}
    sys.stdout.write(json.dumps({"stdout": _out.getvalue(), "stderr": _err.getvalue(), "error": _error, "result": _value, "count": _count}) + "\n")
    sys.stdout.flush()
`

const nodeAgentScript = `
const readline = require('readline');
const util = require('util');
const vm = require('vm');
const rl = readline.createInterface({ input: process.stdin });
const ctx = vm.createContext({ console });
let count = 0;
rl.on('line', (line) => {
  line = line.trim();
  if (!line) return;
  const req = JSON.parse(line);
  count += 1;
  let stdout = '', stderr = '', error = null, result = null;
  const origLog = console.log, origErr = console.error;
  console.log = (...a) => { stdout += util.format(...a) + '\n'; };
  console.error = (...a) => { stderr += util.format(...a) + '\n'; };
  try {
    const v = vm.runInContext(req.code, ctx);
    if (v !== undefined) result = util.inspect(v);
  } catch (e) {
    error = { ename: e.constructor ? e.constructor.name : 'Error', evalue: String(e.message || e), traceback: (e.stack || '').split('\n') };
  } finally {
    console.log = origLog; console.error = origErr;
  }
  process.stdout.write(JSON.stringify({ stdout, stderr, error, result, count }) + '\n');
});
`

func agentCommand(lang driver.Language) (string, []string) {
	switch lang {
	case driver.LanguageJavascript:
		return "node", []string{"-e", nodeAgentScript}
	default:
		return "python3", []string{"-u", "-c", pythonAgentScript}
	}
}

// workerResult is the inner line-protocol response. Result is the repr
// of the final expression's value, nil when the fragment was void.
type workerResult struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Result *string `json:"result"`
	Count  int     `json:"count"`
	Error  *struct {
		EName     string   `json:"ename"`
		EValue    string   `json:"evalue"`
		Traceback []string `json:"traceback"`
	} `json:"error"`
}

// workerProcess owns the spawned interpreter and serializes one
// code-execution request at a time over its stdin/stdout.
type workerProcess struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
}

func startWorker(lang driver.Language, env []string) (*workerProcess, error) {
	bin, args := agentCommand(lang)
	cmd := exec.Command(bin, args...)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent interpreter: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	return &workerProcess{cmd: cmd, stdin: stdin, scanner: scanner}, nil
}

func (w *workerProcess) run(code string) (workerResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	req, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return workerResult{}, err
	}
	if _, err := w.stdin.Write(append(req, '\n')); err != nil {
		return workerResult{}, fmt.Errorf("write to interpreter: %w", err)
	}
	if !w.scanner.Scan() {
		if err := w.scanner.Err(); err != nil {
			return workerResult{}, err
		}
		return workerResult{}, io.ErrUnexpectedEOF
	}

	var result workerResult
	if err := json.Unmarshal(w.scanner.Bytes(), &result); err != nil {
		return workerResult{}, fmt.Errorf("parse interpreter response: %w", err)
	}
	return result, nil
}

func (w *workerProcess) close() {
	w.stdin.Close()
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	w.cmd.Wait()
}

// agentConn adapts a workerProcess to the outer protocol.Event wire
// format over an io.ReadWriteCloser, the same shape bridge.Bridge
// expects from any driver's Connect.
type agentConn struct {
	worker *workerProcess
	pr     *io.PipeReader
	pw     *io.PipeWriter
	encMu  sync.Mutex
}

func newAgentConn(w *workerProcess) *agentConn {
	pr, pw := io.Pipe()
	return &agentConn{worker: w, pr: pr, pw: pw}
}

func (c *agentConn) Read(p []byte) (int, error) { return c.pr.Read(p) }

func (c *agentConn) Write(p []byte) (int, error) {
	n := len(p)
	go c.handle(append([]byte(nil), p...))
	return n, nil
}

func (c *agentConn) Close() error {
	c.worker.close()
	return c.pw.Close()
}

func (c *agentConn) emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.encMu.Lock()
	defer c.encMu.Unlock()
	c.pw.Write(append(data, '\n'))
}

func (c *agentConn) handle(line []byte) {
	var req struct {
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
		ID     any            `json:"id"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}

	switch req.Method {
	case "initialize":
		c.emit(protocol.NewSuccessResponse(req.ID, map[string]any{"status": "ok"}))
	case "input_reply":
		// this driver can never have a pending input_request (the worker's
		// stdin is detached from user code, so input() raises EOFError
		// instead of blocking); ack and discard, per the inputReply
		// contract for no-request-pending.
		c.emit(protocol.NewSuccessResponse(req.ID, map[string]any{"status": "ok"}))
	case "execute":
		code, _ := req.Params["code"].(string)
		parent, _ := req.Params["parent"].(string)
		c.emit(protocol.NewSuccessResponse(req.ID, map[string]any{"status": "accepted"}))
		go c.runExecution(parent, code)
	default:
		c.emit(protocol.NewErrorResponse(req.ID, protocol.MethodNotFound, "unknown method "+req.Method))
	}
}

func (c *agentConn) runExecution(parent, code string) {
	result, err := c.worker.run(code)
	if err != nil {
		c.emit(&protocol.Event{
			Kind:   protocol.KindExecuteError,
			Parent: parent,
			ExecuteError: &protocol.ExecuteErrorEvent{
				EName:  protocol.ErrNameDriverPanic,
				EValue: err.Error(),
			},
		})
		return
	}

	if result.Stdout != "" {
		c.emit(&protocol.Event{Kind: protocol.KindStream, Parent: parent, Stream: &protocol.StreamEvent{Name: "stdout", Text: result.Stdout}})
	}
	if result.Stderr != "" {
		c.emit(&protocol.Event{Kind: protocol.KindStream, Parent: parent, Stream: &protocol.StreamEvent{Name: "stderr", Text: result.Stderr}})
	}

	if result.Error != nil {
		c.emit(&protocol.Event{
			Kind:   protocol.KindExecuteError,
			Parent: parent,
			ExecuteError: &protocol.ExecuteErrorEvent{
				EName:     result.Error.EName,
				EValue:    result.Error.EValue,
				Traceback: result.Error.Traceback,
			},
		})
		return
	}

	res := &protocol.ExecuteResultEvent{ExecutionCount: result.Count}
	if result.Result != nil {
		repr, err := json.Marshal(*result.Result)
		if err == nil {
			res.Data = map[string]json.RawMessage{"text/plain": repr}
		}
	}
	c.emit(&protocol.Event{Kind: protocol.KindExecuteResult, Parent: parent, ExecuteResult: res})
}
