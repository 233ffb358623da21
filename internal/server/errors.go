package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safar/market-orders/internal/apperr"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limited")
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func invalidRequestError() error {
	return apperr.Validation("body", "malformed request body")
}

func invalidIDError() error {
	return apperr.Validation("id", "must be a UUID")
}

// AbortWithError writes the error response for err and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

func errorResponse(err error) (int, errorBody) {
	var (
		validation *apperr.ValidationError
		couponErr  *apperr.CouponError
		illegal    *apperr.IllegalTransitionError
		signature  *apperr.SignatureError
		applied    *apperr.AlreadyAppliedError
		amount     *apperr.InvalidAmountError
		nothing    *apperr.NothingToRefundError
		notFound   *apperr.NotFoundError
		gw         *apperr.GatewayError
	)

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "missing or invalid credentials"}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorBody{Code: "forbidden", Message: "not allowed for this order"}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorBody{Code: "rate_limited", Message: "too many requests"}
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorBody{Code: "validation_error", Message: validation.Message, Field: validation.Field}
	case errors.As(err, &couponErr):
		return http.StatusUnprocessableEntity, errorBody{Code: string(couponErr.Kind), Message: couponErr.Error()}
	case errors.As(err, &illegal):
		return http.StatusConflict, errorBody{Code: "illegal_transition", Message: illegal.Error()}
	case errors.As(err, &signature):
		return http.StatusBadRequest, errorBody{Code: "invalid_signature", Message: "signature verification failed"}
	case errors.As(err, &applied):
		return http.StatusOK, errorBody{Code: "already_applied", Message: applied.Error()}
	case errors.As(err, &amount):
		return http.StatusUnprocessableEntity, errorBody{Code: "invalid_amount", Message: amount.Error()}
	case errors.As(err, &nothing):
		return http.StatusUnprocessableEntity, errorBody{Code: "nothing_to_refund", Message: nothing.Error()}
	case errors.As(err, &notFound):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: notFound.Error()}
	case errors.As(err, &gw):
		return http.StatusBadGateway, errorBody{Code: "gateway_error", Message: "payment provider request failed"}
	default:
		return http.StatusInternalServerError, errorBody{Code: "internal_error", Message: "internal error"}
	}
}
