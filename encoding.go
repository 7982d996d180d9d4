package vmengine

import (
	"fmt"

	v8 "github.com/tommie/v8go"
)

// encodingJS implements global atob() and btoa() as pure JavaScript, the
// way handler code base64-encodes the binary payloads objPut/objGet/
// msgSend exchange with the host. A pure-JS implementation avoids any
// boundary-crossing issues with binary strings containing null bytes.
const encodingJS = `
(function() {
	const _e = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
	const _d = new Uint8Array(128);
	for (let i = 0; i < _e.length; i++) _d[_e.charCodeAt(i)] = i;
	const _v = new Uint8Array(128);
	for (let i = 0; i < _e.length; i++) _v[_e.charCodeAt(i)] = 1;
	_v[61] = 1; // '='

	globalThis.btoa = function(data) {
		if (arguments.length < 1) throw new TypeError("btoa requires at least 1 argument(s)");
		const s = String(data);
		const len = s.length;
		if (len === 0) return '';
		const bytes = new Uint8Array(len);
		for (let i = 0; i < len; i++) {
			const ch = s.charCodeAt(i);
			if (ch > 255) throw new Error("btoa: string contains characters outside of the Latin1 range");
			bytes[i] = ch;
		}
		const out = [];
		for (let i = 0; i < len; i += 3) {
			const a = bytes[i];
			const b = i + 1 < len ? bytes[i + 1] : 0;
			const c = i + 2 < len ? bytes[i + 2] : 0;
			out.push(
				_e[a >> 2],
				_e[((a & 3) << 4) | (b >> 4)],
				i + 1 < len ? _e[((b & 15) << 2) | (c >> 6)] : '=',
				i + 2 < len ? _e[c & 63] : '='
			);
		}
		return out.join('');
	};

	globalThis.atob = function(data) {
		if (arguments.length < 1) throw new TypeError("atob requires at least 1 argument(s)");
		let b64 = String(data);
		b64 = b64.replace(/[\t\n\f\r ]/g, '');
		if (b64.length === 0) return '';
		if (b64.length % 4 === 0) {
			if (b64[b64.length - 1] === '=') {
				b64 = b64.slice(0, b64[b64.length - 2] === '=' ? -2 : -1);
			}
		}
		if (b64.length % 4 === 1) {
			throw new Error("atob: invalid base64 string");
		}
		for (let i = 0; i < b64.length; i++) {
			const ch = b64.charCodeAt(i);
			if (ch >= 128 || !_v[ch] || ch === 61) {
				throw new Error("atob: invalid base64 string");
			}
		}
		while (b64.length % 4 !== 0) b64 += '=';
		let pad = 0;
		if (b64[b64.length - 1] === '=') pad++;
		if (b64[b64.length - 2] === '=') pad++;
		const outLen = (b64.length / 4) * 3 - pad;
		const bytes = new Uint8Array(outLen);
		let j = 0;
		for (let i = 0; i < b64.length; i += 4) {
			const a = _d[b64.charCodeAt(i)];
			const b = _d[b64.charCodeAt(i + 1)];
			const c = _d[b64.charCodeAt(i + 2)];
			const d = _d[b64.charCodeAt(i + 3)];
			bytes[j++] = (a << 2) | (b >> 4);
			if (j < outLen) bytes[j++] = ((b & 15) << 4) | (c >> 2);
			if (j < outLen) bytes[j++] = ((c & 3) << 6) | d;
		}
		const CHUNK = 4096;
		let result = '';
		for (let i = 0; i < outLen; i += CHUNK) {
			const end = Math.min(i + CHUNK, outLen);
			result += String.fromCharCode.apply(null, bytes.subarray(i, end));
		}
		return result;
	};

	if (typeof TextEncoder === 'undefined') {
		globalThis.TextEncoder = class TextEncoder {
			encode(str) {
				str = String(str);
				const buf = [];
				for (let i = 0; i < str.length; i++) {
					let c = str.charCodeAt(i);
					if (c < 0x80) {
						buf.push(c);
					} else if (c < 0x800) {
						buf.push(0xc0 | (c >> 6), 0x80 | (c & 0x3f));
					} else if (c >= 0xd800 && c <= 0xdbff && i + 1 < str.length) {
						const next = str.charCodeAt(++i);
						const cp = ((c - 0xd800) << 10) + (next - 0xdc00) + 0x10000;
						buf.push(0xf0 | (cp >> 18), 0x80 | ((cp >> 12) & 0x3f), 0x80 | ((cp >> 6) & 0x3f), 0x80 | (cp & 0x3f));
					} else {
						buf.push(0xe0 | (c >> 12), 0x80 | ((c >> 6) & 0x3f), 0x80 | (c & 0x3f));
					}
				}
				return new Uint8Array(buf);
			}
		};
	}

	if (typeof TextDecoder === 'undefined') {
		globalThis.TextDecoder = class TextDecoder {
			decode(buf) {
				if (!buf) return '';
				const bytes = new Uint8Array(buf.buffer || buf);
				let result = '';
				for (let i = 0; i < bytes.length;) {
					const b = bytes[i];
					if (b < 0x80) { result += String.fromCharCode(b); i++; }
					else if ((b & 0xe0) === 0xc0) { result += String.fromCharCode(((b & 0x1f) << 6) | (bytes[i+1] & 0x3f)); i += 2; }
					else if ((b & 0xf0) === 0xe0) { result += String.fromCharCode(((b & 0x0f) << 12) | ((bytes[i+1] & 0x3f) << 6) | (bytes[i+2] & 0x3f)); i += 3; }
					else if ((b & 0xf8) === 0xf0) {
						const cp = ((b & 0x07) << 18) | ((bytes[i+1] & 0x3f) << 12) | ((bytes[i+2] & 0x3f) << 6) | (bytes[i+3] & 0x3f);
						result += String.fromCodePoint(cp); i += 4;
					} else { result += '�'; i++; }
				}
				return result;
			}
		};
	}
})();
`

// setupEncoding evaluates the pure-JS atob/btoa/TextEncoder/TextDecoder
// implementations so handler code can base64-encode capability-surface
// payloads and work with UTF-8 bytes itself.
func setupEncoding(ctx *v8.Context) error {
	if _, err := ctx.RunScript(encodingJS, "encoding.js"); err != nil {
		return fmt.Errorf("evaluating encoding.js: %w", err)
	}
	return nil
}
