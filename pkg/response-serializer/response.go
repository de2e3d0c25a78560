// Package serializer converts response snapshots to and from the byte
// blobs kept in the persistent cache tier. Snapshots use the HTTP/1.1
// wire format so they stay debuggable with standard tooling, whatever
// protocol produced them.
package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	protocolHeaderName     = "Glint-Protocol"
	validatorHeaderName    = "Glint-Validator"
	immutableHeaderName    = "Glint-Immutable"
	requestTimeHeaderName  = "Glint-Request-Time"
	responseTimeHeaderName = "Glint-Response-Time"
)

// StoredResponse is a protocol-neutral snapshot of a fetched resource.
type StoredResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Protocol is the scheme of the handler that produced the response.
	Protocol string
	// Validator is the opaque conditional-refetch token, if any.
	Validator string
	// Immutable marks content-addressed responses, which never go stale.
	Immutable bool
	// The value of the clock when the request was issued.
	// Needed for age calculation.
	RequestTime time.Time
	// The value of the clock when the response was received.
	ResponseTime time.Time
}

// StoredResponseToBytes encodes the snapshot for the persistent tier.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	header := make(http.Header, len(sRes.Header)+5)
	for k, vv := range sRes.Header {
		header[k] = vv
	}
	header.Set(protocolHeaderName, sRes.Protocol)
	if sRes.Validator != "" {
		header.Set(validatorHeaderName, sRes.Validator)
	}
	if sRes.Immutable {
		header.Set(immutableHeaderName, "1")
	}
	header.Set(requestTimeHeaderName, strconv.FormatInt(sRes.RequestTime.Unix(), 10))
	header.Set(responseTimeHeaderName, strconv.FormatInt(sRes.ResponseTime.Unix(), 10))

	res := &http.Response{
		StatusCode:    sRes.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(sRes.Body)),
		ContentLength: int64(len(sRes.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse decodes a snapshot previously produced by
// StoredResponseToBytes. A decoding failure means the entry is corrupt
// and should be evicted by the caller.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sRes, err
	}

	reqTime, err := strconv.ParseInt(res.Header.Get(requestTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("missing request time: %w", err)
	}
	resTime, err := strconv.ParseInt(res.Header.Get(responseTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("missing response time: %w", err)
	}

	sRes.StatusCode = res.StatusCode
	sRes.Body = body
	sRes.Protocol = res.Header.Get(protocolHeaderName)
	sRes.Validator = res.Header.Get(validatorHeaderName)
	sRes.Immutable = res.Header.Get(immutableHeaderName) == "1"
	sRes.RequestTime = time.Unix(reqTime, 0)
	sRes.ResponseTime = time.Unix(resTime, 0)

	// strip the snapshot metadata before handing the headers back
	res.Header.Del(protocolHeaderName)
	res.Header.Del(validatorHeaderName)
	res.Header.Del(immutableHeaderName)
	res.Header.Del(requestTimeHeaderName)
	res.Header.Del(responseTimeHeaderName)
	sRes.Header = res.Header

	return sRes, nil
}
