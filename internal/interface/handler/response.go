// Package handler はDispatcherに登録するアプリケーション側のハンドラー.
package handler

import (
	"bytes"
	"encoding/json"
	"strings"

	"connector/internal/domain"

	"github.com/pkg/errors"
)

// respond はステータスと本文をまとめて設定する.
func respond(call domain.ServerCall, status domain.Status, contentType string, body []byte) error {
	if err := call.SetStatus(status); err != nil {
		return err
	}
	call.ResponseHeaders().Set("Content-Type", contentType)
	return call.SetResponseBody(bytes.NewReader(body), int64(len(body)))
}

// respondText はtext/plainの本文で応答する.
func respondText(call domain.ServerCall, status domain.Status, message string) error {
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	return respond(call, status, "text/plain; charset=utf-8", []byte(message))
}

// respondJSON はvをJSONにして応答する.
func respondJSON(call domain.ServerCall, status domain.Status, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding json response")
	}
	return respond(call, status, "application/json", append(data, '\n'))
}
