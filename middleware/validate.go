package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"shopassist/utils"
)

var ErrUnsupportedMediaType = errors.New("content type must be application/json")

// ValidateJSON decodes the JSON body into dst and runs utils.ValidateStruct.
// On failure it has already written the error response.
func ValidateJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "application/json") {
		utils.WriteJSON(w, http.StatusUnsupportedMediaType, utils.APIResponse{Success: false, Message: "Content-Type must be application/json"})
		return ErrUnsupportedMediaType
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.WriteJSON(w, http.StatusRequestEntityTooLarge, utils.APIResponse{Success: false, Message: "Request body too large"})
			return err
		}
		utils.WriteJSON(w, http.StatusBadRequest, utils.APIResponse{Success: false, Message: "Invalid JSON body"})
		return err
	}
	if err := utils.ValidateStruct(dst); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.APIResponse{Success: false, Message: err.Error()})
		return err
	}
	return nil
}
