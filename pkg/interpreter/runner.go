package interpreter

// runnerSource is the evaluator program the session feeds to the target
// environment's interpreter. It owns the persistent namespace, splits a
// source into a statements block plus an optional trailing expression, and
// turns everything observable — writes to the standard streams, artifacts
// handed to __cillow_emit__, results, exceptions — into one JSON object per
// line on its real stdout. Requests arrive as one JSON object per line on
// stdin. The session decodes artifact bytes exactly once; base64 exists only
// inside this inner protocol.
const runnerSource = `
import ast
import base64
import json
import os
import sys
import traceback

_out = sys.stdout


def _send(obj):
    _out.write(json.dumps(obj) + "\n")
    _out.flush()


class _StreamEmitter:
    def __init__(self, kind):
        self._kind = kind

    def write(self, text):
        if text:
            _send({"event": self._kind, "text": str(text)})
        return len(text)

    def flush(self):
        pass

    def isatty(self):
        return False


def __cillow_emit__(kind, data):
    if isinstance(data, str):
        data = data.encode()
    _send({"event": "bytes", "kind": kind,
           "data": base64.b64encode(data).decode("ascii")})


_namespace = {"__name__": "__main__", "__cillow_emit__": __cillow_emit__}

sys.stdout = _StreamEmitter("stdout")
sys.stderr = _StreamEmitter("stderr")


def _send_exception():
    etype, evalue, _ = sys.exc_info()
    _send({"event": "exception", "type": etype.__name__,
           "message": str(evalue), "traceback": traceback.format_exc()})


def _send_result(value):
    if value is None:
        _send({"event": "result", "value": None})
        return
    try:
        json.dumps(value)
    except (TypeError, ValueError):
        value = repr(value)
    _send({"event": "result", "value": value})


def _op_parse(source):
    try:
        ast.parse(source, mode="exec")
    except SyntaxError:
        _send_exception()
    else:
        _send({"event": "ok"})


def _op_run(source):
    try:
        tree = ast.parse(source, mode="exec")
    except SyntaxError:
        _send_exception()
        return
    trailing = None
    if tree.body and isinstance(tree.body[-1], ast.Expr):
        trailing = ast.Expression(tree.body[-1].value)
        tree.body = tree.body[:-1]
    try:
        exec(compile(tree, "<cillow>", "exec"), _namespace)
        value = None
        if trailing is not None:
            value = eval(compile(trailing, "<cillow>", "eval"), _namespace)
    except BaseException:
        _send_exception()
        return
    _send_result(value)


def _op_exec(source):
    try:
        exec(compile(source, "<cillow-hook>", "exec"), _namespace)
    except BaseException:
        _send_exception()
    else:
        _send({"event": "ok"})


def _op_setenv(variables):
    os.environ.update(variables)
    _send({"event": "ok"})


_send({"event": "ready"})

for _line in sys.stdin:
    _line = _line.strip()
    if not _line:
        continue
    try:
        _msg = json.loads(_line)
    except ValueError:
        _send({"event": "exception", "type": "ProtocolError",
               "message": "undecodable request line", "traceback": ""})
        continue
    _op = _msg.get("op")
    if _op == "run":
        _op_run(_msg.get("source", ""))
    elif _op == "exec":
        _op_exec(_msg.get("source", ""))
    elif _op == "parse":
        _op_parse(_msg.get("source", ""))
    elif _op == "setenv":
        _op_setenv(_msg.get("vars", {}))
    else:
        _send({"event": "exception", "type": "ProtocolError",
               "message": "unknown op %r" % (_op,), "traceback": ""})
`
