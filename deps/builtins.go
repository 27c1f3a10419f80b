//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-codex-go is licensed under the Apache License Version 2.0.
//
//

package deps

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// pythonStdlib lists CPython standard-library top-level modules plus a
// few interpreter internals. Installing any of these would fail or be
// meaningless.
var pythonStdlib = set(
	"__future__", "abc", "argparse", "array", "asyncio", "base64",
	"binascii", "bisect", "builtins", "calendar", "cmath", "codecs",
	"collections", "concurrent", "configparser", "contextlib", "copy",
	"csv", "ctypes", "curses", "dataclasses", "datetime", "decimal",
	"difflib", "dis", "email", "enum", "errno", "fcntl", "fileinput",
	"fnmatch", "fractions", "functools", "gc", "getopt", "getpass",
	"gettext", "glob", "gzip", "hashlib", "heapq", "hmac", "html",
	"http", "importlib", "inspect", "io", "ipaddress", "itertools",
	"json", "keyword", "locale", "logging", "lzma", "marshal", "math",
	"mimetypes", "mmap", "multiprocessing", "numbers", "operator",
	"os", "pathlib", "pickle", "pkgutil", "platform", "pprint",
	"pstats", "pty", "pwd", "queue", "random", "re", "readline",
	"reprlib", "resource", "sched", "secrets", "select", "selectors",
	"shlex", "shutil", "signal", "site", "smtplib", "socket",
	"socketserver", "sqlite3", "ssl", "stat", "statistics", "string",
	"struct", "subprocess", "sys", "sysconfig", "tarfile", "tempfile",
	"termios", "textwrap", "threading", "time", "timeit", "tkinter",
	"token", "tokenize", "traceback", "tty", "types", "typing",
	"unicodedata", "unittest", "urllib", "uuid", "venv", "warnings",
	"wave", "weakref", "webbrowser", "wsgiref", "xml", "xmlrpc",
	"zipfile", "zlib", "zoneinfo",
)

// nodeBuiltins lists Node.js core modules.
var nodeBuiltins = set(
	"assert", "async_hooks", "buffer", "child_process", "cluster",
	"console", "constants", "crypto", "dgram", "dns", "domain",
	"events", "fs", "http", "http2", "https", "inspector", "module",
	"net", "os", "path", "perf_hooks", "process", "punycode",
	"querystring", "readline", "repl", "stream", "string_decoder",
	"timers", "tls", "trace_events", "tty", "url", "util", "v8", "vm",
	"worker_threads", "zlib",
)

// rustBuiltins lists crate roots that never name an external crate.
var rustBuiltins = set(
	"std", "core", "alloc", "crate", "self", "super", "proc_macro",
)
