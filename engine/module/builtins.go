package module

// The polyfills below are minimal, safe subsets of Node's builtin
// modules — guest-side JS only, no host object ever crosses into them.
// They exist so common CommonJS idioms (path.join, Buffer.from, …) work
// inside a run without exposing the real host filesystem or process.

const pathPolyfillSource = `
(function() {
  function normalizeSegments(parts) {
    var out = [];
    for (var i = 0; i < parts.length; i++) {
      var seg = parts[i];
      if (seg === '' || seg === '.') continue;
      if (seg === '..') { if (out.length && out[out.length - 1] !== '..') out.pop(); else out.push(seg); }
      else out.push(seg);
    }
    return out;
  }
  module.exports = {
    sep: '/',
    join: function() {
      var parts = Array.prototype.slice.call(arguments);
      return '/' + normalizeSegments(parts.join('/').split('/')).join('/');
    },
    dirname: function(p) {
      var idx = p.lastIndexOf('/');
      if (idx < 0) return '.';
      if (idx === 0) return '/';
      return p.slice(0, idx);
    },
    basename: function(p, ext) {
      var idx = p.lastIndexOf('/');
      var base = idx < 0 ? p : p.slice(idx + 1);
      if (ext && base.slice(-ext.length) === ext) base = base.slice(0, -ext.length);
      return base;
    },
    extname: function(p) {
      var base = p.slice(p.lastIndexOf('/') + 1);
      var idx = base.lastIndexOf('.');
      return idx <= 0 ? '' : base.slice(idx);
    },
    isAbsolute: function(p) { return p.charAt(0) === '/'; },
  };
})();
`

const urlPolyfillSource = `
(function() {
  module.exports = {
    parse: function(raw) {
      var m = /^([a-zA-Z][a-zA-Z0-9+.-]*):\/\/([^\/?#]*)([^?#]*)(?:\?([^#]*))?(?:#(.*))?$/.exec(raw);
      if (!m) throw new TypeError('Invalid URL: ' + raw);
      return { protocol: m[1] + ':', host: m[2], pathname: m[3] || '/', search: m[4] ? '?' + m[4] : '', hash: m[5] ? '#' + m[5] : '' };
    },
  };
})();
`

const utilPolyfillSource = `
(function() {
  module.exports = {
    isArray: function(v) { return Array.isArray(v); },
    isString: function(v) { return typeof v === 'string'; },
    isNumber: function(v) { return typeof v === 'number'; },
    isObject: function(v) { return v !== null && typeof v === 'object'; },
    inspect: function(v) { try { return JSON.stringify(v); } catch (e) { return String(v); } },
  };
})();
`

const bufferPolyfillSource = `
(function() {
  function Buf(bytes) { this.bytes = bytes; }
  Buf.prototype.toString = function(enc) {
    if (enc === 'hex') {
      var out = '';
      for (var i = 0; i < this.bytes.length; i++) out += (this.bytes[i] < 16 ? '0' : '') + this.bytes[i].toString(16);
      return out;
    }
    var s = '';
    for (var i = 0; i < this.bytes.length; i++) s += String.fromCharCode(this.bytes[i]);
    return s;
  };
  module.exports = {
    from: function(input) {
      if (typeof input === 'string') {
        var bytes = [];
        for (var i = 0; i < input.length; i++) bytes.push(input.charCodeAt(i) & 0xff);
        return new Buf(bytes);
      }
      return new Buf(Array.prototype.slice.call(input));
    },
  };
})();
`

const streamPolyfillSource = `
(function() {
  function Readable() { this._listeners = {}; }
  Readable.prototype.on = function(event, cb) {
    (this._listeners[event] = this._listeners[event] || []).push(cb);
    return this;
  };
  Readable.prototype.emit = function(event) {
    var args = Array.prototype.slice.call(arguments, 1);
    var list = this._listeners[event] || [];
    for (var i = 0; i < list.length; i++) list[i].apply(null, args);
  };
  module.exports = { Readable: Readable };
})();
`
