// Package zstr holds the process-wide cache of interned environment keys.
//
// Keys are created once, before any interpreter thread is bound, and are
// read-only afterwards. Each key carries a precomputed hash so that inserts
// into a hashtable.Array never hash well-known names again.
package zstr

import (
	"hash/maphash"
	"sync"
)

// Key is an immutable, pre-hashed string. Identity is pointer identity:
// the cache hands out the same *Key for a name for the life of the process.
type Key struct {
	name string
	hash uint64
}

// String returns the key's name.
func (k *Key) String() string { return k.name }

// Hash returns the precomputed hash of the key's name.
func (k *Key) Hash() uint64 { return k.hash }

// Literal values inserted into every environment array.
const (
	SoftwareName = "sapi"
	ProtocolName = "CGI/1.1"
)

// Keys is the record produced by Init. Fields are never reassigned.
type Keys struct {
	ContentLength  *Key
	DocumentRoot   *Key
	DocumentURI    *Key
	GatewayIface   *Key
	HTTPHost       *Key
	HTTPS          *Key
	PathInfo       *Key
	PHPSelf        *Key
	RemoteAddr     *Key
	RemoteHost     *Key
	RemotePort     *Key
	RequestScheme  *Key
	ScriptFilename *Key
	ScriptName     *Key
	ServerName     *Key
	ServerPort     *Key
	ServerProtocol *Key
	ServerSoftware *Key
	SSLProtocol    *Key
	SSLCipher      *Key
	AuthType       *Key
	RemoteIdent    *Key
	ContentType    *Key
	PathTranslated *Key
	QueryString    *Key
	RemoteUser     *Key
	RequestMethod  *Key
	RequestURI     *Key

	// interned values, not keys
	Protocol *Key
	Software *Key

	byName   map[string]*Key
	byHeader map[string]*Key
}

var (
	seed = maphash.MakeSeed()

	initOnce sync.Once
	keys     *Keys
)

// Hash hashes s with the process seed. Names hashed here and names taken
// from the cache always agree.
func Hash(s string) uint64 {
	return maphash.String(seed, s)
}

// New returns a key that is not part of the cache. Used for names that are
// only known at request time.
func New(name string) *Key {
	return &Key{name: name, hash: Hash(name)}
}

// Init builds the cache on first call and returns it on every call.
func Init() *Keys {
	initOnce.Do(func() {
		keys = build()
	})
	return keys
}

// Get returns the cache. Serving a request without keys is not possible,
// so a missing Init is a programming error.
func Get() *Keys {
	if keys == nil {
		panic("zstr: key cache used before Init")
	}
	return keys
}

// Lookup returns the interned key for a well-known variable name.
func Lookup(name string) (*Key, bool) {
	k, ok := Get().byName[name]
	return k, ok
}

// Header returns the interned HTTP_* key for a canonical header name
// (e.g. "User-Agent"), if that header is one of the cached common headers.
func Header(canonical string) (*Key, bool) {
	k, ok := Get().byHeader[canonical]
	return k, ok
}

func build() *Keys {
	k := &Keys{
		byName:   make(map[string]*Key, 32),
		byHeader: make(map[string]*Key, len(CommonRequestHeaders)),
	}
	intern := func(name string) *Key {
		key := New(name)
		k.byName[name] = key
		return key
	}

	k.ContentLength = intern("CONTENT_LENGTH")
	k.DocumentRoot = intern("DOCUMENT_ROOT")
	k.DocumentURI = intern("DOCUMENT_URI")
	k.GatewayIface = intern("GATEWAY_INTERFACE")
	k.HTTPHost = intern("HTTP_HOST")
	k.HTTPS = intern("HTTPS")
	k.PathInfo = intern("PATH_INFO")
	k.PHPSelf = intern("PHP_SELF")
	k.RemoteAddr = intern("REMOTE_ADDR")
	k.RemoteHost = intern("REMOTE_HOST")
	k.RemotePort = intern("REMOTE_PORT")
	k.RequestScheme = intern("REQUEST_SCHEME")
	k.ScriptFilename = intern("SCRIPT_FILENAME")
	k.ScriptName = intern("SCRIPT_NAME")
	k.ServerName = intern("SERVER_NAME")
	k.ServerPort = intern("SERVER_PORT")
	k.ServerProtocol = intern("SERVER_PROTOCOL")
	k.ServerSoftware = intern("SERVER_SOFTWARE")
	k.SSLProtocol = intern("SSL_PROTOCOL")
	k.SSLCipher = intern("SSL_CIPHER")
	k.AuthType = intern("AUTH_TYPE")
	k.RemoteIdent = intern("REMOTE_IDENT")
	k.ContentType = intern("CONTENT_TYPE")
	k.PathTranslated = intern("PATH_TRANSLATED")
	k.QueryString = intern("QUERY_STRING")
	k.RemoteUser = intern("REMOTE_USER")
	k.RequestMethod = intern("REQUEST_METHOD")
	k.RequestURI = intern("REQUEST_URI")

	// literal values are interned too, but they are not variable names
	k.Protocol = New(ProtocolName)
	k.Software = New(SoftwareName)

	for header, name := range CommonRequestHeaders {
		key, ok := k.byName[name]
		if !ok {
			key = intern(name)
		}
		k.byHeader[header] = key
	}
	return k
}

// Len reports how many variable names are interned.
func (k *Keys) Len() int { return len(k.byName) }
