package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/auth"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/models"
)

const (
	// DeviceIDHeader carries the id of the calling device
	DeviceIDHeader = "X-Device-ID"

	deviceIDKey = "device_id"
)

var errDeviceAuthDisabled = errors.New(errors.ErrorTypeCapability, "device authentication is not configured")

// StartPairingRequest opens a pairing session for a device
type StartPairingRequest struct {
	DeviceInfo map[string]string `json:"device_info" binding:"required"`
}

// CompletePairingRequest consumes a pairing code on behalf of a user
type CompletePairingRequest struct {
	Code   string `json:"code" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

// PairingResponse is the issued token pair plus the source registered for
// the device
type PairingResponse struct {
	auth.DeviceTokenPair
	SourceID uuid.UUID `json:"source_id,omitempty"`
	Streams  []string  `json:"streams,omitempty"`
}

// SourceConnector authenticates and registers sources
type SourceConnector interface {
	Connect(ctx context.Context, req auth.ConnectRequest) (*auth.ConnectResult, error)
}

// RefreshDeviceRequest exchanges a device refresh token for a new pair
type RefreshDeviceRequest struct {
	DeviceID     string `json:"device_id" binding:"required"`
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// deviceAuth validates the bearer device token against the X-Device-ID
// header and stores the device id on the context.
func deviceAuth(devices *auth.DeviceTokens, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if devices == nil {
			abortWithError(c, errDeviceAuthDisabled)
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		deviceID := c.GetHeader(DeviceIDHeader)
		if !ok || token == "" || deviceID == "" {
			abortWithError(c, errors.New(errors.ErrorTypeAuthentication, "bearer token and "+DeviceIDHeader+" header are required"))
			return
		}

		if err := devices.Validate(token, deviceID); err != nil {
			log.Warn("device authentication failed",
				zap.String("device_id", deviceID),
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err))
			abortWithError(c, err)
			return
		}

		c.Set(deviceIDKey, deviceID)
		c.Next()
	}
}

func (s *Server) handleStartPairing(c *gin.Context) {
	if s.deps.Pairing == nil {
		abortWithError(c, errDeviceAuthDisabled)
		return
	}

	var req StartPairingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.Wrap(err, errors.ErrorTypeValidation, "invalid pairing request"))
		return
	}
	if req.DeviceInfo["device_id"] == "" {
		abortWithError(c, errors.New(errors.ErrorTypeValidation, "device_info.device_id is required"))
		return
	}

	session, err := s.deps.Pairing.Start(req.DeviceInfo)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleCompletePairing(c *gin.Context) {
	if s.deps.Pairing == nil {
		abortWithError(c, errDeviceAuthDisabled)
		return
	}

	var req CompletePairingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.Wrap(err, errors.ErrorTypeValidation, "invalid pairing completion"))
		return
	}

	if s.deps.Sources == nil {
		pair, err := s.deps.Pairing.Complete(req.Code, req.UserID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, PairingResponse{DeviceTokenPair: *pair})
		return
	}

	res, err := s.deps.Sources.Connect(c.Request.Context(), auth.ConnectRequest{
		SourceType:  s.pairedSourceType(req.Code),
		AuthKind:    models.AuthKindDeviceToken,
		Credentials: auth.Credentials{PairingCode: req.Code, UserID: req.UserID},
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	cred := res.Source.Credential
	out := PairingResponse{
		DeviceTokenPair: auth.DeviceTokenPair{
			DeviceID:     cred.DeviceID,
			DeviceType:   cred.DeviceType,
			UserID:       cred.UserID,
			Token:        cred.AccessToken,
			RefreshToken: cred.RefreshToken,
			CreatedAt:    s.clock.Now().UTC(),
		},
		SourceID: res.Source.ID,
	}
	if cred.ExpiresAt != nil {
		out.ExpiresAt = *cred.ExpiresAt
	}
	for _, st := range res.Streams {
		out.Streams = append(out.Streams, st.StreamName)
	}

	s.logger.Info("device paired",
		zap.String("device_id", cred.DeviceID),
		zap.String("source_id", res.Source.ID.String()),
		zap.Bool("created", res.Created))
	c.JSON(http.StatusOK, out)
}

// pairedSourceType names the source a pairing session registers. Devices
// may send source_type in their device info; otherwise the device type is
// used.
func (s *Server) pairedSourceType(code string) string {
	session, ok := s.deps.Pairing.Get(code)
	if !ok {
		return "ios"
	}
	if st := session.DeviceInfo["source_type"]; st != "" {
		return st
	}
	if dt := session.DeviceInfo["device_type"]; dt != "" {
		return dt
	}
	return "ios"
}

func (s *Server) handleRefreshDevice(c *gin.Context) {
	if s.deps.Devices == nil {
		abortWithError(c, errDeviceAuthDisabled)
		return
	}

	var req RefreshDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.Wrap(err, errors.ErrorTypeValidation, "invalid refresh request"))
		return
	}

	pair, err := s.deps.Devices.Refresh(req.RefreshToken, req.DeviceID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}
