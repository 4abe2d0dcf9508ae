package cgi

import (
	"crypto/tls"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/search"

	"github.com/cryguy/sapi/internal/core"
)

// Protocol versions in Apache mod_ssl format.
var tlsProtocolStrings = map[uint16]string{
	tls.VersionTLS10: "TLSv1",
	tls.VersionTLS11: "TLSv1.1",
	tls.VersionTLS12: "TLSv1.2",
	tls.VersionTLS13: "TLSv1.3",
}

// Options controls how FromRequest maps a request onto script paths.
type Options struct {
	DocumentRoot string

	// SplitPath lists lower-case ASCII suffixes that end the script part
	// of the URL path. Defaults to [".js"].
	SplitPath []string

	// RequestURI overrides the request's own URI, e.g. after a rewrite.
	RequestURI string
}

// FromRequest computes the request-metadata record for an HTTP request.
// Fields that do not apply (HTTPS on plain HTTP, missing port) stay empty
// and are therefore absent from the built environment.
func FromRequest(r *http.Request, opts Options) *core.ServerVars {
	// more lenient than net.SplitHostPort
	var ip, port string
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx > -1 {
		ip = r.RemoteAddr[:idx]
		port = r.RemoteAddr[idx+1:]
	} else {
		ip = r.RemoteAddr
	}
	if len(ip) > 1 && ip[0] == '[' {
		ip = ip[1 : len(ip)-1]
	}

	var https, sslProtocol, sslCipher string
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
		https = "on"
		sslProtocol = tlsProtocolStrings[r.TLS.Version]
		if r.TLS.CipherSuite != 0 {
			sslCipher = tls.CipherSuiteName(r.TLS.CipherSuite)
		}
	}

	host, serverPort, _ := net.SplitHostPort(r.Host)
	if host == "" {
		host = r.Host
	}
	if serverPort == "" {
		// SERVER_PORT must be set even for the scheme's default port (RFC 3875 4.1.15)
		if scheme == "https" {
			serverPort = "443"
		} else {
			serverPort = "80"
		}
	}

	requestURI := opts.RequestURI
	if requestURI == "" {
		requestURI = r.URL.RequestURI()
	}

	p := splitCgiPath(r.URL.Path, opts.DocumentRoot, opts.SplitPath)

	contentLength := r.Header.Get("Content-Length")
	if contentLength == "" && r.ContentLength > 0 {
		contentLength = strconv.FormatInt(r.ContentLength, 10)
	}

	vars := &core.ServerVars{
		RemoteAddr:     []byte(ip),
		RemoteHost:     []byte(ip),
		RemotePort:     []byte(port),
		DocumentRoot:   []byte(opts.DocumentRoot),
		PathInfo:       []byte(p.pathInfo),
		PHPSelf:        []byte(ensureLeadingSlash(r.URL.Path)),
		DocumentURI:    []byte(p.docURI),
		ScriptFilename: []byte(p.scriptFilename),
		ScriptName:     []byte(p.scriptName),
		HTTPS:          []byte(https),
		SSLProtocol:    []byte(sslProtocol),
		RequestScheme:  []byte(scheme),
		ServerName:     []byte(host),
		ServerPort:     []byte(serverPort),
		ContentLength:  []byte(contentLength),
		ServerProtocol: []byte(r.Proto),
		HTTPHost:       []byte(r.Host),
		RequestURI:     []byte(requestURI),
		SSLCipher:      []byte(sslCipher),

		ContentType:   []byte(r.Header.Get("Content-Type")),
		QueryString:   []byte(r.URL.RawQuery),
		RequestMethod: []byte(r.Method),
	}
	if p.pathInfo != "" {
		vars.PathTranslated = []byte(sanitizedPathJoin(opts.DocumentRoot, p.pathInfo))
	}
	if user, _, ok := r.BasicAuth(); ok {
		vars.AuthType = []byte("Basic")
		vars.RemoteUser = []byte(user)
	}
	return vars
}

type cgiPath struct {
	docURI         string
	pathInfo       string
	scriptName     string
	scriptFilename string
}

// splitCgiPath splits the request path into SCRIPT_NAME, SCRIPT_FILENAME,
// PATH_INFO and DOCUMENT_URI.
func splitCgiPath(path, documentRoot string, splitPath []string) cgiPath {
	if splitPath == nil {
		splitPath = []string{".js"}
	}

	var p cgiPath
	if pos := splitPos(path, splitPath); pos > -1 {
		p.docURI = path[:pos]
		p.pathInfo = path[pos:]

		p.scriptName = strings.TrimSuffix(path, p.pathInfo)
		// RFC 3875 4.1.13
		if p.scriptName != "" && !strings.HasPrefix(p.scriptName, "/") {
			p.scriptName = "/" + p.scriptName
		}
	}

	p.scriptFilename = sanitizedPathJoin(documentRoot, p.scriptName)
	return p
}

var splitSearchNonASCII = search.New(language.Und, search.IgnoreCase)

// splitPos returns the index where path should be split based on
// splitPath, e.g. "/app.js/some/path" splits after "/app.js".
func splitPos(path string, splitPath []string) int {
	if len(splitPath) == 0 {
		return 0
	}

	for i := 0; i < len(path); i++ {
		if path[i] >= utf8.RuneSelf {
			return splitPosNonASCII(path, splitPath)
		}
	}

	lower := strings.ToLower(path)
	for _, split := range splitPath {
		if idx := strings.Index(lower, split); idx > -1 {
			return idx + len(split)
		}
	}
	return -1
}

func splitPosNonASCII(path string, splitPath []string) int {
	for _, split := range splitPath {
		if _, end := splitSearchNonASCII.IndexString(path, split); end > -1 {
			return end
		}
	}
	return -1
}

// sanitizedPathJoin joins root and reqPath without letting reqPath escape
// root. A trailing slash on reqPath is kept.
func sanitizedPathJoin(root, reqPath string) string {
	if root == "" {
		root = "."
	}

	path := filepath.Join(root, filepath.Clean("/"+reqPath))
	if strings.HasSuffix(reqPath, "/") && len(reqPath) > 1 {
		path += string(filepath.Separator)
	}
	return path
}

func ensureLeadingSlash(path string) string {
	if path == "" || path[0] == '/' {
		return path
	}
	return "/" + path
}
