package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/qemplois/marketplace-server/internal/models"
)

func (h *Handler) BecomePro(c *gin.Context) {
	var req models.BecomeProRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	enrollment, err := h.service.BecomePro(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"status":  "success",
		"profile": enrollment.Profile,
		"tokens":  enrollment.Tokens,
	})
}

func (h *Handler) GetMyProfile(c *gin.Context) {
	profile, err := h.service.GetMyProfile(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) UpdateLicence(c *gin.Context) {
	var req models.UpdateLicenceRequest
	if !bindJSON(c, &req) {
		return
	}

	profile, err := h.service.UpdateLicence(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) SetIdentityStatus(c *gin.Context) {
	var req models.SetIdentityStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	profile, err := h.service.SetIdentityStatus(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *Handler) ListCategories(c *gin.Context) {
	categories, err := h.service.ListCategories(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, categories)
}

func (h *Handler) CreateJob(c *gin.Context) {
	var req models.CreateJobRequest
	if !bindJSON(c, &req) {
		return
	}

	job, err := h.service.CreateJob(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.service.GetJob(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) ChangeJobCategory(c *gin.Context) {
	var req models.ChangeJobCategoryRequest
	if !bindJSON(c, &req) {
		return
	}

	job, err := h.service.ChangeJobCategory(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) ListBidsForJob(c *gin.Context) {
	bids, err := h.service.ListBidsForJob(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bids)
}

func (h *Handler) CreateService(c *gin.Context) {
	var req models.CreateServiceRequest
	if !bindJSON(c, &req) {
		return
	}

	svc, err := h.service.CreateService(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, svc)
}

// ListServices lists active services, optionally for one pro (?proId=).
func (h *Handler) ListServices(c *gin.Context) {
	services, err := h.service.ListServices(c.Request.Context(), actorFrom(c), c.Query("proId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, services)
}

func (h *Handler) UpdateService(c *gin.Context) {
	var req models.UpdateServiceRequest
	if !bindJSON(c, &req) {
		return
	}

	svc, err := h.service.UpdateService(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, svc)
}

func (h *Handler) DeactivateService(c *gin.Context) {
	svc, err := h.service.DeactivateService(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, svc)
}

// SubmitBid answers with the bid envelope rather than the error envelope.
func (h *Handler) SubmitBid(c *gin.Context) {
	var req models.SubmitBidRequest
	body, err := c.GetRawData()
	if err == nil {
		err = binding.JSON.BindBody(body, &req)
	}
	if err != nil {
		respondBidError(c, malformedBody(err, body, &req))
		return
	}

	bid, err := h.service.SubmitBid(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondBidError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.BidResponse{
		Success: true,
		BidID:   bid.ID,
		Message: "Soumission envoyée.",
	})
}

func (h *Handler) AcceptBid(c *gin.Context) {
	bid, err := h.service.AcceptBid(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bid)
}

func (h *Handler) RejectBid(c *gin.Context) {
	bid, err := h.service.RejectBid(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bid)
}

func (h *Handler) CancelBid(c *gin.Context) {
	bid, err := h.service.CancelBid(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bid)
}

func (h *Handler) CreateBooking(c *gin.Context) {
	var req models.CreateBookingRequest
	if !bindJSON(c, &req) {
		return
	}

	view, err := h.service.CreateBooking(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) ListBookings(c *gin.Context) {
	bookings, err := h.service.ListBookings(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bookings)
}

func (h *Handler) GetBooking(c *gin.Context) {
	view, err := h.service.GetBooking(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) TransitionBooking(c *gin.Context) {
	var req models.TransitionRequest
	if !bindJSON(c, &req) {
		return
	}

	view, err := h.service.TransitionBooking(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) CancelBooking(c *gin.Context) {
	var req models.CancelBookingRequest
	if !bindJSON(c, &req) {
		return
	}

	view, err := h.service.CancelBooking(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) IngestLead(c *gin.Context) {
	var req models.IngestLeadRequest
	if !bindJSON(c, &req) {
		return
	}

	lead, err := h.service.IngestLead(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.LeadIngestResponse{Status: "success", LeadID: lead.ID})
}

func (h *Handler) ListLeads(c *gin.Context) {
	leads, err := h.service.ListLeads(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "leads": leads, "total": len(leads)})
}

func (h *Handler) LogTraction(c *gin.Context) {
	var req models.LogTractionRequest
	if !bindJSON(c, &req) {
		return
	}

	event, err := h.service.LogTraction(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.TractionLogResponse{Status: "success", EventID: event.ID})
}

func (h *Handler) TractionSummary(c *gin.Context) {
	summary, err := h.service.TractionSummary(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// VerifyLicence proxies to the RBQ scraper. It can take as long as the
// scraper timeout.
func (h *Handler) VerifyLicence(c *gin.Context) {
	var req models.VerifyLicenceRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.service.VerifyLicence(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) RunRetentionSweep(c *gin.Context) {
	result, err := h.service.RunRetentionSweep(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SweepResponse{
		Status:       "success",
		Anonymized:   result.Anonymized,
		Trimmed:      result.Trimmed,
		LinksCleared: result.LinksCleared,
	})
}
