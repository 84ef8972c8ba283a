package jshost

// Names of the Go functions registered in every realm before the prelude
// runs. The prelude captures them and removes them from the global object.
const (
	hostDispatchName = "__hx_host"
	hostLogName      = "__hx_log"
	hostTimerSetName = "__hx_timer_set"
	hostTimerClrName = "__hx_timer_clear"
)

// preludeJS installs the guest half of the handle protocol as the
// non-enumerable global __hx. Guest values are kept in a slot table keyed by
// integer refs, each slot carrying the number of host handles that share
// it. Every operation answers with a string: a ref, or a JSON reply of the
// form {"ok":ref} / {"err":ref}.
//
// Builtins the protocol depends on are captured here, so removing
// intrinsics from the global object afterwards cannot break it.
const preludeJS = `
(function (g) {
	'use strict';
	var hostCall = g.__hx_host;
	var hostLog = g.__hx_log;
	var timerSet = g.__hx_timer_set;
	var timerClear = g.__hx_timer_clear;
	delete g.__hx_host;
	delete g.__hx_log;
	delete g.__hx_timer_set;
	delete g.__hx_timer_clear;

	var indirectEval = g.eval;
	var stringify = JSON.stringify;
	var parse = JSON.parse;
	var SlotMap = Map;
	var PromiseCtor = Promise;
	var ErrorCtor = Error;
	var defineProperty = Object.defineProperty;
	var createObject = Object.create;
	var floor = Math.floor;
	var ctors = {
		Error: Error, TypeError: TypeError, RangeError: RangeError,
		SyntaxError: SyntaxError, ReferenceError: ReferenceError,
		EvalError: EvalError, URIError: URIError
	};
	if (typeof InternalError === 'function') ctors.InternalError = InternalError;
	var marker = typeof Symbol === 'function' ? Symbol('jshost.kind') : '__hx_kind';

	var slots = new SlotMap();
	var next = 1;

	function put(v) {
		var ref = next++;
		slots.set(ref, { v: v, rc: 1 });
		return ref;
	}
	function entry(ref) {
		var e = slots.get(ref);
		if (e === undefined) throw new ReferenceError('stale handle ' + ref);
		return e;
	}
	function get(ref) {
		return ref === 0 ? undefined : entry(ref).v;
	}
	function ok(v) { return stringify({ ok: put(v) }); }
	function done() { return '{"ok":0}'; }
	function fail(e) { return stringify({ err: put(e) }); }
	function mark(e, kind) {
		if (kind && e !== null && typeof e === 'object') {
			try { defineProperty(e, marker, { value: kind, configurable: true }); } catch (x) {}
		}
		return e;
	}
	function makeError(name, message, kind) {
		var C = ctors[name];
		var e = new (C || ErrorCtor)(message);
		if (!C && name) {
			defineProperty(e, 'name', { value: name, writable: true, configurable: true });
		}
		return mark(e, kind);
	}
	function describe(v) {
		var o = { isError: false };
		try {
			if (v !== null && (typeof v === 'object' || typeof v === 'function')) {
				o.isError = v instanceof ErrorCtor;
				if (v.name !== undefined) o.name = String(v.name);
				if (v.message !== undefined) o.message = String(v.message);
				if (typeof v.stack === 'string') o.stack = v.stack;
				if (v[marker]) o.kind = v[marker];
				if (!o.isError) {
					try { o.value = stringify(v); } catch (x) {}
					if (o.message === undefined) o.message = String(v);
				}
			} else {
				o.message = String(v);
				try { o.value = stringify(v); } catch (x) {}
			}
		} catch (x) {
			o.message = 'unprintable thrown value';
		}
		return o;
	}
	function show(v) {
		if (typeof v === 'string') return v;
		if (v instanceof ErrorCtor) {
			var head = String(v);
			var stack = typeof v.stack === 'string' ? v.stack : '';
			if (stack === '') return head;
			return stack.indexOf(head) === 0 ? stack : head + '\n' + stack;
		}
		try {
			var s = stringify(v);
			if (s !== undefined) return s;
		} catch (x) {}
		return String(v);
	}

	var hx = {
		keep: function (v) { return '' + put(v); },
		parse: function (text) { return '' + put(parse(text)); },
		dup: function (ref) { entry(ref).rc++; return '' + ref; },
		release: function (ref) {
			var e = slots.get(ref);
			if (e === undefined) return '-1';
			if (--e.rc <= 0) {
				slots['delete'](ref);
				return '0';
			}
			return '' + e.rc;
		},
		live: function () { return '' + slots.size; },

		eval: function (src) {
			try { return ok(indirectEval(src)); } catch (e) { return fail(e); }
		},
		call: function (fnRef, thisRef, argRefs) {
			try {
				var args = [];
				for (var i = 0; i < argRefs.length; i++) args.push(get(argRefs[i]));
				return ok(get(fnRef).apply(get(thisRef), args));
			} catch (e) { return fail(e); }
		},

		global: function () { return '' + put(g); },
		object: function (protoRef) {
			return '' + put(protoRef ? createObject(get(protoRef)) : {});
		},
		array: function () { return '' + put([]); },
		error: function (name, message, kind) {
			return '' + put(makeError(name, message, kind));
		},

		getProp: function (ref, key) {
			try { return ok(get(ref)[key]); } catch (e) { return fail(e); }
		},
		setProp: function (ref, key, valRef) {
			try { get(ref)[key] = get(valRef); return done(); } catch (e) { return fail(e); }
		},
		deleteProp: function (ref, key) {
			try {
				var target = get(ref);
				if (!(delete target[key])) throw new TypeError('cannot delete property ' + String(key));
				return done();
			} catch (e) { return fail(e); }
		},

		typeOf: function (ref) { return typeof get(ref); },
		str: function (ref) {
			try { return stringify({ s: String(get(ref)) }); } catch (e) { return fail(e); }
		},
		num: function (ref) {
			try { return stringify({ n: String(Number(get(ref))) }); } catch (e) { return fail(e); }
		},
		bool: function (ref) { return get(ref) ? 'true' : 'false'; },
		dump: function (ref) {
			var v = get(ref);
			var t = typeof v;
			var out = { t: t };
			try {
				if (t === 'number') {
					out.n = String(v);
				} else if (t === 'bigint' || t === 'symbol' || t === 'function') {
					out.s = String(v);
				} else if (v instanceof ErrorCtor) {
					out.t = 'error';
					out.e = describe(v);
				} else if (t !== 'undefined') {
					out.j = stringify(v);
				}
			} catch (e) {
				out.s = String(v);
			}
			return stringify(out);
		},
		errorInfo: function (ref) { return stringify(describe(get(ref))); },

		promise: function () {
			var res, rej;
			var p = new PromiseCtor(function (a, b) { res = a; rej = b; });
			return stringify({ p: put(p), res: put(res), rej: put(rej) });
		},
		watch: function (ref) {
			var e = entry(ref);
			if (e.w === undefined) {
				var w = e.w = { s: 0, v: undefined };
				PromiseCtor.resolve(e.v).then(
					function (v) { w.s = 1; w.v = v; },
					function (x) { w.s = 2; w.v = x; });
			}
			if (e.w.s === 0) return '{"s":0}';
			return stringify(e.w.s === 1 ? { s: 1, ok: put(e.w.v) } : { s: 2, err: put(e.w.v) });
		},

		fn: function (fid, name) {
			var f = function () {
				var refs = [put(this)];
				for (var i = 0; i < arguments.length; i++) refs.push(put(arguments[i]));
				var r = parse(hostCall(stringify({ f: fid, r: refs })));
				var ref = r.err !== undefined ? r.err : r.ok;
				var v = get(ref);
				if (ref) hx.release(ref);
				if (r.err !== undefined) throw v;
				return v;
			};
			try { defineProperty(f, 'name', { value: name, configurable: true }); } catch (x) {}
			return '' + put(f);
		},

		strip: function (names) {
			for (var i = 0; i < names.length; i++) {
				try { delete g[names[i]]; } catch (x) {}
			}
			return '';
		}
	};

	if (typeof hostLog === 'function') {
		var con = {};
		['log', 'info', 'warn', 'error', 'debug'].forEach(function (level) {
			con[level] = function () {
				var parts = [];
				for (var i = 0; i < arguments.length; i++) parts.push(show(arguments[i]));
				hostLog(level, parts.join(' '));
			};
		});
		defineProperty(g, 'console', { value: con, writable: true, configurable: true });
	}

	if (typeof timerSet === 'function') {
		var timers = new SlotMap();
		var schedule = function (fn, delay, args, interval) {
			if (typeof fn !== 'function') return 0;
			var ms = floor(Number(delay) || 0);
			var id = timerSet(ms > 0 ? ms : 0, interval);
			timers.set(id, { fn: fn, args: args, interval: interval });
			return id;
		};
		var clear = function (id) {
			if (typeof id !== 'number') return;
			if (timers['delete'](id)) timerClear(id);
		};
		g.setTimeout = function (fn, delay) {
			return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), false);
		};
		g.setInterval = function (fn, delay) {
			return schedule(fn, delay, Array.prototype.slice.call(arguments, 2), true);
		};
		g.clearTimeout = clear;
		g.clearInterval = clear;
		hx.fire = function (id) {
			var t = timers.get(id);
			if (t === undefined) return done();
			if (!t.interval) timers['delete'](id);
			try { t.fn.apply(undefined, t.args); return done(); } catch (e) { return fail(e); }
		};
	}

	defineProperty(g, '__hx', { value: hx });
})(globalThis);
'ok'
`
