// Package api exposes the homeserver-facing application service HTTP
// surface: transaction pushes, user/room queries, third-party lookups and
// the MSC3983/MSC3984 key endpoints.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"maunium.net/go/mautrix/id"

	"github.com/nethesis/matrix-appservice/logger"
	"github.com/nethesis/matrix-appservice/models"
	"github.com/nethesis/matrix-appservice/service"
)

// RegisterRoutes wires the appservice endpoints to Echo handlers. Every
// route is served both under the canonical /_matrix/app/v1 prefix and the
// legacy unprefixed form.
func RegisterRoutes(e *echo.Echo, as *service.Appservice) {
	h := handler{as: as}
	auth := hsTokenAuth(as.Registration().HSToken)

	route := func(method, suffix string, fn echo.HandlerFunc) {
		e.Add(method, suffix, fn, auth)
		e.Add(method, "/_matrix/app/v1"+suffix, fn, auth)
	}

	route(http.MethodPut, "/transactions/:txnId", h.putTransaction)
	route(http.MethodGet, "/users/:userId", h.getUser)
	route(http.MethodGet, "/rooms/:roomAlias", h.getRoom)
	route(http.MethodGet, "/thirdparty/protocol/:protocol", h.getProtocol)
	route(http.MethodGet, "/thirdparty/user/:protocol", h.getRemoteUsers)
	route(http.MethodGet, "/thirdparty/user", h.getMatrixUsers)
	route(http.MethodGet, "/thirdparty/location/:protocol", h.getRemoteLocations)
	route(http.MethodGet, "/thirdparty/location", h.getMatrixLocations)
	route(http.MethodPost, "/ping", h.postPing)

	// The unstable key endpoints live outside the v1 prefix.
	e.Add(http.MethodPost, "/unstable/org.matrix.msc3983/keys/claim", h.postKeyClaim, auth)
	e.Add(http.MethodPost, "/_matrix/app/unstable/org.matrix.msc3983/keys/claim", h.postKeyClaim, auth)
	e.Add(http.MethodPost, "/unstable/org.matrix.msc3984/keys/query", h.postKeyQuery, auth)
	e.Add(http.MethodPost, "/_matrix/app/unstable/org.matrix.msc3984/keys/query", h.postKeyQuery, auth)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.RouteNotFound("/*", func(c echo.Context) error {
		return matrixError(c, http.StatusNotFound, "M_UNRECOGNIZED", "Endpoint not implemented")
	})
}

type handler struct {
	as *service.Appservice
}

// hsTokenAuth authenticates the homeserver by its hs_token, taken from the
// access_token query parameter or an Authorization bearer header.
func hsTokenAuth(hsToken string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := c.QueryParam("access_token")
			if token == "" {
				auth := c.Request().Header.Get(echo.HeaderAuthorization)
				if strings.HasPrefix(auth, "Bearer ") {
					token = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(hsToken)) != 1 {
				logger.Warn().Str("path", c.Path()).Msg("rejected request with missing or wrong hs_token")
				return matrixError(c, http.StatusUnauthorized, "AUTH_FAILED", "Authentication failed")
			}
			return next(c)
		}
	}
}

func matrixError(c echo.Context, status int, errcode, message string) error {
	return c.JSON(status, models.MatrixError{ErrCode: errcode, Error: message})
}

func emptyObject(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{})
}

func (h handler) putTransaction(c echo.Context) error {
	txnID := c.Param("txnId")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		logger.Warn().Str("txn_id", txnID).Err(err).Msg("failed to read transaction body")
		return matrixError(c, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON: expected events")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		logger.Warn().Str("txn_id", txnID).Err(err).Msg("transaction body is not a JSON object")
		return matrixError(c, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON: expected events")
	}
	if _, ok := raw["events"]; !ok {
		logger.Warn().Str("txn_id", txnID).Msg("transaction body lacks events array")
		return matrixError(c, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON: expected events")
	}

	var txn models.Transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		logger.Warn().Str("txn_id", txnID).Err(err).Msg("failed to decode transaction")
		return matrixError(c, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON: expected events")
	}

	logger.Debug().Str("txn_id", txnID).Int("events", len(txn.Events)).Int("ephemeral", len(txn.Ephemeral)).Msg("processing transaction")

	// A failure here must 500 so the homeserver retries the whole
	// transaction.
	if err := h.processSafely(c, txnID, &txn); err != nil {
		logger.Error().Str("txn_id", txnID).Err(err).Msg("transaction processing failed")
		return matrixError(c, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
	}
	return emptyObject(c)
}

func (h handler) processSafely(c echo.Context, txnID string, txn *models.Transaction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = echo.NewHTTPError(http.StatusInternalServerError, r)
		}
	}()
	h.as.ProcessTransaction(c.Request().Context(), txnID, txn)
	return nil
}

func (h handler) getUser(c echo.Context) error {
	userID := id.UserID(c.Param("userId"))

	exists, err := h.as.QueryUser(c.Request().Context(), userID)
	if err != nil {
		logger.Error().Str("user_id", string(userID)).Err(err).Msg("user query failed")
		return matrixError(c, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
	}
	if !exists {
		return matrixError(c, http.StatusNotFound, "USER_DOES_NOT_EXIST", "User not created")
	}
	return emptyObject(c)
}

func (h handler) getRoom(c echo.Context) error {
	alias := id.RoomAlias(c.Param("roomAlias"))

	resp, ok, err := h.as.QueryRoom(c.Request().Context(), alias)
	if err != nil {
		logger.Error().Str("alias", string(alias)).Err(err).Msg("room query failed")
		return matrixError(c, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
	}
	if !ok {
		return matrixError(c, http.StatusNotFound, "ROOM_DOES_NOT_EXIST", "Room not created")
	}
	return c.JSON(http.StatusOK, resp)
}

func (h handler) getProtocol(c echo.Context) error {
	protocol := c.Param("protocol")

	meta, ok, err := h.as.QueryProtocol(c.Request().Context(), protocol)
	if err != nil {
		logger.Error().Str("protocol", protocol).Err(err).Msg("protocol query failed")
		return matrixError(c, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
	}
	if !ok {
		return matrixError(c, http.StatusNotFound, "PROTOCOL_NOT_HANDLED", "Protocol is not handled by this appservice")
	}
	return c.JSON(http.StatusOK, meta)
}

// lookupFields strips the auth parameter from the query string before
// handing the remaining fields to the lookup handler.
func lookupFields(c echo.Context) map[string][]string {
	fields := map[string][]string(c.QueryParams())
	delete(fields, "access_token")
	return fields
}

func (h handler) getRemoteUsers(c echo.Context) error {
	protocol := c.Param("protocol")

	results, err := h.as.QueryRemoteUsers(c.Request().Context(), protocol, lookupFields(c))
	if err != nil {
		logger.Error().Str("protocol", protocol).Err(err).Msg("remote user lookup failed")
		return matrixError(c, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
	}
	if len(results) == 0 {
		return matrixError(c, http.StatusNotFound, "NO_MAPPING_FOUND", "No mappings found")
	}
	return c.JSON(http.StatusOK, results)
}

func (h handler) getMatrixUsers(c echo.Context) error {
	userID := c.QueryParam("userid")
	if userID == "" {
		return matrixError(c, http.StatusBadRequest, "INVALID_PARAMETERS", "Missing userid parameter")
	}

	results, err := h.as.QueryMatrixUsers(c.Request().Context(), id.UserID(userID))
	if err != nil {
		logger.Error().Str("user_id", userID).Err(err).Msg("matrix user lookup failed")
		return matrixError(c, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
	}
	if len(results) == 0 {
		return matrixError(c, http.StatusNotFound, "NO_MAPPING_FOUND", "No mappings found")
	}
	return c.JSON(http.StatusOK, results)
}

func (h handler) getRemoteLocations(c echo.Context) error {
	protocol := c.Param("protocol")

	results, err := h.as.QueryRemoteLocations(c.Request().Context(), protocol, lookupFields(c))
	if err != nil {
		logger.Error().Str("protocol", protocol).Err(err).Msg("remote location lookup failed")
		return matrixError(c, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
	}
	if len(results) == 0 {
		return matrixError(c, http.StatusNotFound, "NO_MAPPING_FOUND", "No mappings found")
	}
	return c.JSON(http.StatusOK, results)
}

func (h handler) getMatrixLocations(c echo.Context) error {
	alias := c.QueryParam("alias")
	if alias == "" {
		return matrixError(c, http.StatusBadRequest, "INVALID_PARAMETERS", "Missing alias parameter")
	}

	results, err := h.as.QueryMatrixLocations(c.Request().Context(), id.RoomAlias(alias))
	if err != nil {
		logger.Error().Str("alias", alias).Err(err).Msg("matrix location lookup failed")
		return matrixError(c, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
	}
	if len(results) == 0 {
		return matrixError(c, http.StatusNotFound, "NO_MAPPING_FOUND", "No mappings found")
	}
	return c.JSON(http.StatusOK, results)
}

func (h handler) postKeyClaim(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return matrixError(c, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
	}

	resp, ok, err := h.as.ClaimKeys(c.Request().Context(), body)
	if !ok {
		return matrixError(c, http.StatusNotFound, "M_UNRECOGNIZED", "Endpoint not implemented")
	}
	if err != nil {
		logger.Error().Err(err).Msg("key claim failed")
		return matrixError(c, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
	}
	return c.JSONBlob(http.StatusOK, resp)
}

func (h handler) postKeyQuery(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return matrixError(c, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
	}

	resp, ok, err := h.as.QueryKeys(c.Request().Context(), body)
	if !ok {
		return matrixError(c, http.StatusNotFound, "M_UNRECOGNIZED", "Endpoint not implemented")
	}
	if err != nil {
		logger.Error().Err(err).Msg("key query failed")
		return matrixError(c, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
	}
	return c.JSONBlob(http.StatusOK, resp)
}

func (h handler) postPing(c echo.Context) error {
	return emptyObject(c)
}
