// Package cgi fills a hashtable.Array with the CGI variables of one unit of
// work.
//
// Values are always copied: the caller's buffers may be reused as soon as a
// Register function returns.
package cgi

import (
	"net/http"
	"slices"
	"strings"

	"github.com/cryguy/sapi/internal/core"
	"github.com/cryguy/sapi/internal/hashtable"
	"github.com/cryguy/sapi/internal/zstr"
)

// MaxBatch is the largest batch RegisterBatch accepts in one call.
const MaxBatch = 4

// KnownVars is the number of variables RegisterBulk can insert, literals
// included. Used to size arrays up front.
const KnownVars = 28

// Pair is one entry of a batch. A nil Key appends Value by position.
type Pair struct {
	Key   *zstr.Key
	Value hashtable.Value
}

type field struct {
	key func(k *zstr.Keys) *zstr.Key
	val func(v *core.ServerVars) []byte
}

// canonical CGI order, optional fields last
var fields = []field{
	{func(k *zstr.Keys) *zstr.Key { return k.RemoteAddr }, func(v *core.ServerVars) []byte { return v.RemoteAddr }},
	{func(k *zstr.Keys) *zstr.Key { return k.RemoteHost }, func(v *core.ServerVars) []byte { return v.RemoteHost }},
	{func(k *zstr.Keys) *zstr.Key { return k.RemotePort }, func(v *core.ServerVars) []byte { return v.RemotePort }},
	{func(k *zstr.Keys) *zstr.Key { return k.DocumentRoot }, func(v *core.ServerVars) []byte { return v.DocumentRoot }},
	{func(k *zstr.Keys) *zstr.Key { return k.PathInfo }, func(v *core.ServerVars) []byte { return v.PathInfo }},
	{func(k *zstr.Keys) *zstr.Key { return k.PHPSelf }, func(v *core.ServerVars) []byte { return v.PHPSelf }},
	{func(k *zstr.Keys) *zstr.Key { return k.DocumentURI }, func(v *core.ServerVars) []byte { return v.DocumentURI }},
	{func(k *zstr.Keys) *zstr.Key { return k.ScriptFilename }, func(v *core.ServerVars) []byte { return v.ScriptFilename }},
	{func(k *zstr.Keys) *zstr.Key { return k.ScriptName }, func(v *core.ServerVars) []byte { return v.ScriptName }},
	{func(k *zstr.Keys) *zstr.Key { return k.HTTPS }, func(v *core.ServerVars) []byte { return v.HTTPS }},
	{func(k *zstr.Keys) *zstr.Key { return k.SSLProtocol }, func(v *core.ServerVars) []byte { return v.SSLProtocol }},
	{func(k *zstr.Keys) *zstr.Key { return k.RequestScheme }, func(v *core.ServerVars) []byte { return v.RequestScheme }},
	{func(k *zstr.Keys) *zstr.Key { return k.ServerName }, func(v *core.ServerVars) []byte { return v.ServerName }},
	{func(k *zstr.Keys) *zstr.Key { return k.ServerPort }, func(v *core.ServerVars) []byte { return v.ServerPort }},
	{func(k *zstr.Keys) *zstr.Key { return k.ContentLength }, func(v *core.ServerVars) []byte { return v.ContentLength }},
	{func(k *zstr.Keys) *zstr.Key { return k.ServerProtocol }, func(v *core.ServerVars) []byte { return v.ServerProtocol }},
	{func(k *zstr.Keys) *zstr.Key { return k.HTTPHost }, func(v *core.ServerVars) []byte { return v.HTTPHost }},
	{func(k *zstr.Keys) *zstr.Key { return k.RequestURI }, func(v *core.ServerVars) []byte { return v.RequestURI }},
	{func(k *zstr.Keys) *zstr.Key { return k.SSLCipher }, func(v *core.ServerVars) []byte { return v.SSLCipher }},

	{func(k *zstr.Keys) *zstr.Key { return k.AuthType }, func(v *core.ServerVars) []byte { return v.AuthType }},
	{func(k *zstr.Keys) *zstr.Key { return k.RemoteIdent }, func(v *core.ServerVars) []byte { return v.RemoteIdent }},
	{func(k *zstr.Keys) *zstr.Key { return k.RemoteUser }, func(v *core.ServerVars) []byte { return v.RemoteUser }},
	{func(k *zstr.Keys) *zstr.Key { return k.ContentType }, func(v *core.ServerVars) []byte { return v.ContentType }},
	{func(k *zstr.Keys) *zstr.Key { return k.PathTranslated }, func(v *core.ServerVars) []byte { return v.PathTranslated }},
	{func(k *zstr.Keys) *zstr.Key { return k.QueryString }, func(v *core.ServerVars) []byte { return v.QueryString }},
	{func(k *zstr.Keys) *zstr.Key { return k.RequestMethod }, func(v *core.ServerVars) []byte { return v.RequestMethod }},
}

// RegisterBulk inserts SERVER_SOFTWARE and GATEWAY_INTERFACE, then every
// present field of vars in canonical order. Absent fields are skipped, so
// the array never holds an empty placeholder for them. vars may be nil.
func RegisterBulk(arr *hashtable.Array, vars *core.ServerVars) {
	k := zstr.Get()

	arr.UpdateKey(k.ServerSoftware, k.Software.String())
	arr.UpdateKey(k.GatewayIface, k.Protocol.String())

	if vars == nil {
		return
	}
	for _, f := range fields {
		if v := f.val(vars); len(v) > 0 {
			arr.UpdateKey(f.key(k), string(v))
		}
	}
}

// RegisterSingle inserts a copy of value under an interned key. Unlike
// RegisterBulk it inserts empty values too.
func RegisterSingle(arr *hashtable.Array, key *zstr.Key, value []byte) {
	arr.UpdateKey(key, string(value))
}

// RegisterVariableSafe inserts value under a name that has no interned
// key. The name is normalised first: leading spaces are dropped and
// spaces, dots and opening brackets become underscores. Names that end up
// empty are ignored.
func RegisterVariableSafe(arr *hashtable.Array, name string, value []byte) {
	name = NormalizeName(name)
	if name == "" {
		return
	}
	if k, ok := zstr.Lookup(name); ok {
		arr.UpdateKey(k, string(value))
		return
	}
	arr.Update(name, string(value))
}

var nameReplacer = strings.NewReplacer(" ", "_", ".", "_", "[", "_")

// NormalizeName applies the variable name rules of RegisterVariableSafe.
func NormalizeName(name string) string {
	name = strings.TrimLeft(name, " ")
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return nameReplacer.Replace(name)
}

// RegisterBatch inserts the first n pairs of batch, at most MaxBatch, and
// returns how many were inserted. Slots at or past n are not read. A pair
// without a key is appended by position.
func RegisterBatch(arr *hashtable.Array, n int, batch *[MaxBatch]Pair) int {
	n = min(n, MaxBatch)
	for i := 0; i < n; i++ {
		p := &batch[i]
		if p.Key == nil {
			arr.Append(p.Value)
			continue
		}
		arr.UpdateKey(p.Key, p.Value)
	}
	return max(n, 0)
}

// RegisterAll inserts pairs of any length in MaxBatch-sized chunks.
func RegisterAll(arr *hashtable.Array, pairs []Pair) int {
	var (
		batch [MaxBatch]Pair
		total int
	)
	for chunk := range slices.Chunk(pairs, MaxBatch) {
		copy(batch[:], chunk)
		total += RegisterBatch(arr, len(chunk), &batch)
	}
	return total
}

// AppendValues builds a list from values through RegisterAll.
func AppendValues(values []string) *hashtable.Array {
	arr := hashtable.New(len(values))
	pairs := make([]Pair, len(values))
	for i, v := range values {
		pairs[i] = Pair{Value: v}
	}
	RegisterAll(arr, pairs)
	return arr
}

// RegisterHeaders inserts request headers as HTTP_* variables. Common
// headers use their interned key; the rest are registered safely. Repeated
// values are joined with ", ". Headers are visited in sorted order so the
// result does not depend on map iteration.
func RegisterHeaders(arr *hashtable.Array, h http.Header) {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		v := strings.Join(h[name], ", ")
		if k, ok := zstr.Header(name); ok {
			arr.UpdateKey(k, v)
			continue
		}
		RegisterVariableSafe(arr, zstr.HeaderVarName(name), []byte(v))
	}
}

// RegisterEnv inserts the prepared environment. It is meant to run last
// and may overwrite any earlier value.
func RegisterEnv(arr *hashtable.Array, env map[string]string) {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		RegisterVariableSafe(arr, name, []byte(env[name]))
	}
}

// Build runs RegisterBulk, RegisterHeaders and RegisterEnv on a fresh
// array sized for the request.
func Build(vars *core.ServerVars, h http.Header, env map[string]string) *hashtable.Array {
	arr := hashtable.New(KnownVars + len(h) + len(env))
	RegisterBulk(arr, vars)
	RegisterHeaders(arr, h)
	RegisterEnv(arr, env)
	return arr
}
