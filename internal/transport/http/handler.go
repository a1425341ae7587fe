package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sees-platform/event-service/internal/gateway"
	"github.com/sees-platform/event-service/internal/repo"
	"github.com/sees-platform/event-service/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// signatureHeaderName carries the gateway's webhook signature.
const signatureHeaderName = "Gateway-Signature"

func RegisterHandlers(r *gin.Engine, svcs Services, jwtSecret string, log *zap.SugaredLogger) {
	// webhook is authenticated by signature, not by session
	r.POST("/webhook/payment", webhookHandler(svcs.Checkout, log))

	v1 := r.Group("/v1", AuthMiddleware(jwtSecret))
	{
		v1.POST("/events/:id/checkout", checkoutHandler(svcs.Checkout))
		v1.GET("/events/:id/tickets", ticketsHandler(svcs.Checkout))
		v1.PUT("/events/:id", updateEventHandler(svcs.Event))
		v1.POST("/events/:id/attendees", addAttendeesHandler(svcs.Event))
		v1.POST("/events/:id/mark-viewed", markViewedHandler(svcs.Notification))
		v1.GET("/notifications", notificationsHandler(svcs.Notification))
	}
}

func checkoutHandler(svc *service.CheckoutService) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
			return
		}
		res, err := svc.Checkout(c, currentUserID(c), eventID)
		switch {
		case err == nil:
		case errors.Is(err, repo.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		case errors.Is(err, service.ErrAlreadyRegistered):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case errors.Is(err, gateway.ErrGateway):
			c.JSON(http.StatusBadRequest, gin.H{"error": "payment session could not be created"})
			return
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if res.Registered {
			c.JSON(http.StatusOK, gin.H{"ticket_id": res.TicketID, "status": "registered"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": res.SessionID, "url": res.RedirectURL})
	}
}

// webhookHandler acknowledges everything it will not act on with 200 so
// the gateway's retry system stays quiet; only an unverifiable or
// malformed payload gets 400.
func webhookHandler(svc *service.CheckoutService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
			return
		}
		err = svc.HandleWebhook(c, payload, c.GetHeader(signatureHeaderName))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"received": true})
		case errors.Is(err, gateway.ErrInvalidSignature), errors.Is(err, gateway.ErrMalformedPayload):
			log.Warnf("webhook rejected: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			// settlement-side failures are logged inside the service;
			// never hand the gateway a retry trigger here
			c.JSON(http.StatusOK, gin.H{"received": true})
		}
	}
}

func ticketsHandler(svc *service.CheckoutService) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
			return
		}
		ts, err := svc.Tickets(c, currentUserID(c), eventID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ts)
	}
}

type updateEventReq struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	Date            *string `json:"date"`
	EventType       *string `json:"event_type"`
	Location        *string `json:"location"`
	VirtualLocation *string `json:"virtual_location"`
	TicketPrice     *string `json:"ticket_price"`
}

func updateEventHandler(svc *service.EventService) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
			return
		}
		var req updateEventReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		upd := service.EventUpdate{
			Title:           req.Title,
			Description:     req.Description,
			EventType:       req.EventType,
			Location:        req.Location,
			VirtualLocation: req.VirtualLocation,
		}
		if req.Date != nil {
			d, err := time.Parse(time.RFC3339, *req.Date)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date"})
				return
			}
			upd.Date = &d
		}
		if req.TicketPrice != nil {
			p, err := decimal.NewFromString(*req.TicketPrice)
			if err != nil || p.IsNegative() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket_price"})
				return
			}
			upd.TicketPrice = &p
		}

		ev, err := svc.Update(c, currentUserID(c), eventID, upd)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, ev)
		case errors.Is(err, repo.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrNotOrganizer):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrEventInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

type addAttendeesReq struct {
	UserIDs []uint64 `json:"user_ids" binding:"required"`
}

func addAttendeesHandler(svc *service.EventService) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
			return
		}
		var req addAttendeesReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		added, err := svc.AddAttendees(c, currentUserID(c), eventID, req.UserIDs)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"added": added})
		case errors.Is(err, repo.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrNotOrganizer):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func markViewedHandler(svc *service.NotificationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
			return
		}
		if err := svc.MarkViewed(c, currentUserID(c), eventID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "viewed"})
	}
}

func notificationsHandler(svc *service.NotificationService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ns, err := svc.List(c, currentUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		unread, err := svc.UnreadCount(c, currentUserID(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"unread": unread, "notifications": ns})
	}
}
