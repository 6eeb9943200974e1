package runtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/qtacore/chromemaster/protocol"
)

// evalShim wraps a user expression in a try/catch that prefixes the result
// with 'S' (success) or 'E' (thrown), exactly as the original's eval_script
// does, so Eval can tell the two apart without a second round trip.
const evalShim = `(function(){
    try{
        var result = eval("%s");
        if(result != undefined){
            return 'S' + result.toString();
        }else{
            return 'Sundefined';
        }
    }catch(e){
        var retVal = 'E[' + e.name + ']' + e.message;
        retVal += '\n' + e.stack;
        return retVal;
    }
})();`

// escapeForEval matches the original's four-step character escaping before
// splicing script into a double-quoted eval() argument: backslash, double
// quote, carriage return, newline, in that order.
func escapeForEval(script string) string {
	script = strings.ReplaceAll(script, `\`, `\\`)
	script = strings.ReplaceAll(script, `"`, `\"`)
	script = strings.ReplaceAll(script, "\r", `\r`)
	script = strings.ReplaceAll(script, "\n", `\n`)
	return script
}

func wrapEvalScript(script string) string {
	escaped := escapeForEval(script)
	return strings.Replace(evalShim, "%s", escaped, 1)
}

type evaluateResult struct {
	Result struct {
		Value string `json:"value"`
	} `json:"result"`
}

// Eval runs script in frameID's execution context (the main frame's, if
// frameID is empty) and decodes the 'S'/'E' prefix protocol (spec section
// 8: "Script-eval results starting with 'S' are returned as success; 'E'
// yields JavaScriptError; any other prefix yields ProtocolError").
func (h *Handler) Eval(frameID, script string) (string, error) {
	if frameID == "" {
		id, err := h.page.MainFrameID()
		if err != nil {
			return "", err
		}
		frameID = id
	}

	deadline := time.Now().Add(h.cfg.EvalRetryTimeout)
	var lastErr error
	for {
		result, err := h.evalOnce(frameID, script)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Context evicted mid-call (navigation, frame teardown): re-resolve
		// and retry rather than surface a stale-context error immediately
		// (spec 4.5: "On IDNotFound, short-poll and retry").
		if !protocol.IsIDNotFound(err) {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", lastErr
		}
		time.Sleep(h.cfg.EvalRetryInterval)
	}
}

func (h *Handler) evalOnce(frameID, script string) (string, error) {
	contextID, err := h.ContextID(frameID, h.cfg.ContextResolveTimeout)
	if err != nil {
		return "", err
	}

	raw, err := h.Send("evaluate", map[string]interface{}{
		"contextId":                            contextID,
		"expression":                           wrapEvalScript(script),
		"objectGroup":                          "console",
		"includeCommandLineAPI":                true,
		"doNotPauseOnExceptionsAndMuteConsole": false,
		"returnByValue":                        false,
		"generatePreview":                      true,
	})
	if err != nil {
		return "", err
	}

	var out evaluateResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", protocol.Wrap(err, "decode evaluate result")
	}

	result := out.Result.Value
	if result == "" {
		return "", protocol.NewProtocolError(0, "empty eval result", "")
	}

	switch result[0] {
	case 'E':
		return "", &protocol.JavaScriptError{FrameID: frameID, Message: result[1:]}
	case 'S':
		return result[1:], nil
	default:
		return "", protocol.NewProtocolError(0, result, "")
	}
}
