package zstr

import (
	"strings"
	"sync"
)

// CommonRequestHeaders maps canonical request header names to the
// environment variable they are registered under. Their keys are interned
// by Init; any other header goes through HeaderVarName.
var CommonRequestHeaders = map[string]string{
	"Accept":                         "HTTP_ACCEPT",
	"Accept-Charset":                 "HTTP_ACCEPT_CHARSET",
	"Accept-Encoding":                "HTTP_ACCEPT_ENCODING",
	"Accept-Language":                "HTTP_ACCEPT_LANGUAGE",
	"Access-Control-Request-Headers": "HTTP_ACCESS_CONTROL_REQUEST_HEADERS",
	"Access-Control-Request-Method":  "HTTP_ACCESS_CONTROL_REQUEST_METHOD",
	"Authorization":                  "HTTP_AUTHORIZATION",
	"Cache-Control":                  "HTTP_CACHE_CONTROL",
	"Connection":                     "HTTP_CONNECTION",
	"Content-Length":                 "HTTP_CONTENT_LENGTH",
	"Content-Type":                   "HTTP_CONTENT_TYPE",
	"Cookie":                         "HTTP_COOKIE",
	"Dnt":                            "HTTP_DNT",
	"Forwarded":                      "HTTP_FORWARDED",
	"Host":                           "HTTP_HOST",
	"If-Match":                       "HTTP_IF_MATCH",
	"If-Modified-Since":              "HTTP_IF_MODIFIED_SINCE",
	"If-None-Match":                  "HTTP_IF_NONE_MATCH",
	"Origin":                         "HTTP_ORIGIN",
	"Pragma":                         "HTTP_PRAGMA",
	"Range":                          "HTTP_RANGE",
	"Referer":                        "HTTP_REFERER",
	"Sec-Fetch-Dest":                 "HTTP_SEC_FETCH_DEST",
	"Sec-Fetch-Mode":                 "HTTP_SEC_FETCH_MODE",
	"Sec-Fetch-Site":                 "HTTP_SEC_FETCH_SITE",
	"Te":                             "HTTP_TE",
	"Upgrade-Insecure-Requests":      "HTTP_UPGRADE_INSECURE_REQUESTS",
	"User-Agent":                     "HTTP_USER_AGENT",
	"Via":                            "HTTP_VIA",
	"X-Forwarded-For":                "HTTP_X_FORWARDED_FOR",
	"X-Forwarded-Host":               "HTTP_X_FORWARDED_HOST",
	"X-Forwarded-Proto":              "HTTP_X_FORWARDED_PROTO",
	"X-Real-Ip":                      "HTTP_X_REAL_IP",
	"X-Requested-With":               "HTTP_X_REQUESTED_WITH",
}

var (
	headerReplacer = strings.NewReplacer(" ", "_", "-", "_")

	// uncommon header names seen at runtime, shared by all threads
	uncommonMu      sync.RWMutex
	uncommonHeaders = make(map[string]string)
)

// maxUncommonHeaders bounds the runtime header name cache so that a client
// sending random header names cannot grow it without limit.
const maxUncommonHeaders = 1024

// HeaderVarName returns the HTTP_* variable name for an arbitrary header.
func HeaderVarName(header string) string {
	if name, ok := CommonRequestHeaders[header]; ok {
		return name
	}

	uncommonMu.RLock()
	name, ok := uncommonHeaders[header]
	uncommonMu.RUnlock()
	if ok {
		return name
	}

	name = "HTTP_" + headerReplacer.Replace(strings.ToUpper(header))

	uncommonMu.Lock()
	if len(uncommonHeaders) < maxUncommonHeaders {
		uncommonHeaders[header] = name
	}
	uncommonMu.Unlock()

	return name
}
