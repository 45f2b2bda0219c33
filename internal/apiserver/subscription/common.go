// 响应封套与工具函数
package subscription

import (
	"encoding/json"
	"errors"
	"net/http"

	"nodeman/internal/shared/errs"
)

// response 统一响应封套
//
// 错误时 code 为模块级错误码（模块码 10000 + 子码），message 携带可读说明。
type response struct {
	Result  bool        `json:"result"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, response{Result: true, Message: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	code := errs.ModuleCode
	var domain *errs.Error
	if errors.As(err, &domain) {
		code = domain.FullCode()
	}
	writeJSON(w, status, response{Result: false, Code: code, Message: err.Error()})
}

func errInvalidBody(err error) error {
	return errs.New(errs.ErrRequestParam, "invalid request body: %v", err)
}
