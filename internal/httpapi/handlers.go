package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/internal/auth"
	"github.com/MarkoPoloResearchLab/mileage/internal/cache"
	"github.com/MarkoPoloResearchLab/mileage/internal/catalog"
	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	downloadDescription = "Resource download"
	uploadDescription   = "Resource upload reward"
	unknownUploader     = "Unknown"
	bytesPerMegabyte    = 1024 * 1024
	multipartOverhead   = 10 * bytesPerMegabyte
)

type githubLoginRequest struct {
	Code string `json:"code"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type userPayload struct {
	ID        string  `json:"id"`
	GitHubID  int64   `json:"githubId,omitempty"`
	Username  string  `json:"username"`
	Email     *string `json:"email"`
	AvatarURL string  `json:"avatarUrl"`
	Mileage   int64   `json:"mileage"`
	Role      string  `json:"role,omitempty"`
}

type transactionPayload struct {
	ID            string  `json:"id"`
	UserID        string  `json:"userId"`
	Type          string  `json:"type"`
	Amount        int64   `json:"amount"`
	Description   string  `json:"description"`
	ResourceID    *string `json:"resourceId"`
	ResourceTitle *string `json:"resourceTitle"`
	CreatedAt     string  `json:"createdAt"`
}

type resourcePayload struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	FileKey         string `json:"fileKey"`
	Category        string `json:"category"`
	Level           string `json:"level"`
	RequiredMileage int64  `json:"requiredMileage"`
	FileSize        string `json:"fileSize"`
	UploadedBy      string `json:"uploadedBy"`
	UploadedAt      string `json:"uploadedAt"`
	Views           int64  `json:"views"`
	Downloads       int64  `json:"downloads"`
	Status          string `json:"status"`
}

type resourceListResponse struct {
	Resources  []resourcePayload `json:"resources"`
	HasMore    bool              `json:"hasMore"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

func (handler *httpHandler) handleGitHubLogin(ctx *gin.Context) {
	var request githubLoginRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Code) == "" {
		handler.respondError(ctx, invalidArgument("Authorization code is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	profile, err := handler.oauth.Exchange(requestCtx, strings.TrimSpace(request.Code))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	user, err := handler.users.UpsertGitHubUser(requestCtx, profile)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	token, err := handler.tokens.Issue(user)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"token": token,
		"user": userPayload{
			ID:        user.ID,
			GitHubID:  user.GitHubID,
			Username:  user.Username,
			Email:     user.Email,
			AvatarURL: user.AvatarURL,
			Mileage:   user.Mileage.Int64(),
		},
	})
}

func (handler *httpHandler) handleMe(ctx *gin.Context) {
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		handler.respondError(ctx, auth.ErrMissingToken)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	user, err := handler.users.Get(requestCtx, claims.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user": userPayload{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		Mileage:   user.Mileage.Int64(),
		Role:      user.Role.String(),
	}})
}

func (handler *httpHandler) handleMyMileage(ctx *gin.Context) {
	userID, ok := handler.currentUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.ledger.GetBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transactions, err := handler.ledger.GetTransactions(requestCtx, userID, handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":      balance.Int64(),
		"transactions": payload,
	})
}

// handleListResources serves approved resources from the cache, filling it from the catalog on a miss.
// Cursor requests bypass the cache because list keys are page based.
func (handler *httpHandler) handleListResources(ctx *gin.Context) {
	page := parsePositiveInt(ctx.Query("page"), 1)
	limit := parsePositiveInt(ctx.Query("limit"), catalog.MaxPageSize)
	if limit > catalog.MaxPageSize {
		limit = catalog.MaxPageSize
	}
	filters := catalog.Filters{
		Category: strings.TrimSpace(ctx.Query("category")),
		Level:    strings.TrimSpace(ctx.Query("level")),
	}
	cursor := strings.TrimSpace(ctx.Query("cursor"))
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	cacheKey := cache.ResourceListKey(page, filters.Category, filters.Level)
	if cursor == "" {
		var cached resourceListResponse
		hit, err := handler.cache.GetJSON(requestCtx, cacheKey, &cached)
		if err != nil {
			handler.logger.Warn("resource list cache read failed", zap.String("key", cacheKey), zap.Error(err))
		}
		if hit {
			ctx.JSON(http.StatusOK, cached)
			return
		}
	}

	result, err := handler.catalog.ListApproved(requestCtx, limit, cursor, filters)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := resourceListResponse{
		Resources:  make([]resourcePayload, 0, len(result.Resources)),
		HasMore:    result.HasMore,
		NextCursor: result.NextCursor,
	}
	for _, resource := range result.Resources {
		response.Resources = append(response.Resources, newResourcePayload(resource))
	}
	if cursor == "" {
		if err := handler.cache.SetJSON(requestCtx, cacheKey, response, handler.cfg.ListCacheTTL); err != nil {
			handler.logger.Warn("resource list cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	ctx.JSON(http.StatusOK, response)
}

// handleGetResource serves the resource detail from the cache when present.
func (handler *httpHandler) handleGetResource(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	cacheKey := cache.ResourceKey(ctx.Param("id"))
	var cached resourcePayload
	hit, err := handler.cache.GetJSON(requestCtx, cacheKey, &cached)
	if err != nil {
		handler.logger.Warn("resource cache read failed", zap.String("key", cacheKey), zap.Error(err))
	}
	if hit {
		ctx.JSON(http.StatusOK, gin.H{"resource": cached})
		return
	}

	resource, err := handler.catalog.Get(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := newResourcePayload(resource)
	if err := handler.cache.SetJSON(requestCtx, cacheKey, payload, handler.cfg.ListCacheTTL); err != nil {
		handler.logger.Warn("resource cache write failed", zap.String("key", cacheKey), zap.Error(err))
	}
	ctx.JSON(http.StatusOK, gin.H{"resource": payload})
}

// forgetResource drops the cached detail of one resource.
func (handler *httpHandler) forgetResource(ctx context.Context, resourceID string) {
	if err := handler.cache.Delete(ctx, cache.ResourceKey(resourceID)); err != nil {
		handler.logger.Warn("resource cache invalidation failed", zap.String("resource_id", resourceID), zap.Error(err))
	}
}

// handleDownload charges the resource price and returns a short-lived URL.
// The URL is signed before the charge so a missing file never costs mileage.
func (handler *httpHandler) handleDownload(ctx *gin.Context) {
	userID, ok := handler.currentUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	resource, err := handler.catalog.Get(requestCtx, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if resource.Status != catalog.StatusApproved {
		handler.respondError(ctx, catalog.ErrResourceNotFound)
		return
	}
	required, err := mileage.NewBalance(resource.RequiredMileage)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	sufficient, err := handler.ledger.HasSufficientMileage(requestCtx, userID, required)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if !sufficient {
		current, balanceErr := handler.ledger.GetBalance(requestCtx, userID)
		if balanceErr != nil {
			handler.respondError(ctx, balanceErr)
			return
		}
		handler.respondError(ctx, insufficientMileage(required, current))
		return
	}

	downloadURL, err := handler.blobs.PresignDownload(requestCtx, resource.FileKey, handler.cfg.DownloadTTL)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	if required > 0 {
		if err := handler.charge(requestCtx, userID, resource, required); err != nil {
			handler.respondError(ctx, err)
			return
		}
	}

	if err := handler.catalog.IncrementDownloads(requestCtx, resource.ID); err != nil {
		handler.logger.Warn("download counter update failed", zap.String("resource_id", resource.ID), zap.Error(err))
	} else {
		handler.forgetResource(requestCtx, resource.ID)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"downloadUrl": downloadURL,
		"expiresIn":   int64(handler.cfg.DownloadTTL / time.Second),
	})
}

func (handler *httpHandler) charge(ctx context.Context, userID mileage.UserID, resource catalog.Resource, required mileage.Mileage) error {
	amount, err := mileage.NewPositiveMileage(required.Int64())
	if err != nil {
		return err
	}
	description, err := mileage.NewDescription(downloadDescription)
	if err != nil {
		return err
	}
	reference, err := mileage.NewResourceRef(resource.ID, resource.Title)
	if err != nil {
		return err
	}
	return handler.ledger.DeductMileage(ctx, userID, amount, description, &reference)
}

type uploadForm struct {
	file            *multipart.FileHeader
	title           string
	description     string
	category        string
	level           string
	requiredMileage int64
}

func (handler *httpHandler) handleUpload(ctx *gin.Context) {
	userID, ok := handler.currentUserID(ctx)
	if !ok {
		return
	}
	form, err := handler.parseUploadForm(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	file, err := form.file.Open()
	if err != nil {
		handler.respondError(ctx, invalidArgument("Unable to read uploaded file"))
		return
	}
	defer file.Close()

	now := handler.nowFn()
	fileKey := handler.blobs.GenerateKey(form.file.Filename, now)
	contentType := form.file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := handler.blobs.Upload(requestCtx, fileKey, file, form.file.Size, contentType, now); err != nil {
		handler.respondError(ctx, err)
		return
	}

	uploader := unknownUploader
	if user, userErr := handler.users.Get(requestCtx, userID.String()); userErr == nil && user.Username != "" {
		uploader = user.Username
	}

	resourceID, err := handler.catalog.Create(requestCtx, catalog.CreateInput{
		Title:           form.title,
		Description:     form.description,
		FileKey:         fileKey,
		Category:        form.category,
		Level:           form.level,
		RequiredMileage: form.requiredMileage,
		FileSize:        formatMegabytes(form.file.Size) + " MB",
		UploadedBy:      uploader,
	})
	if err != nil {
		if deleteErr := handler.blobs.Delete(requestCtx, fileKey); deleteErr != nil {
			handler.logger.Warn("orphaned upload cleanup failed", zap.String("file_key", fileKey), zap.Error(deleteErr))
		}
		handler.respondError(ctx, err)
		return
	}

	if err := handler.reward(requestCtx, userID, resourceID, form.title); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"resourceId": resourceID,
		"fileKey":    fileKey,
		"status":     catalog.StatusPending.String(),
	})
}

func (handler *httpHandler) reward(ctx context.Context, userID mileage.UserID, resourceID string, title string) error {
	if handler.cfg.UploadReward <= 0 {
		return nil
	}
	amount, err := mileage.NewPositiveMileage(handler.cfg.UploadReward)
	if err != nil {
		return err
	}
	description, err := mileage.NewDescription(uploadDescription)
	if err != nil {
		return err
	}
	reference, err := mileage.NewResourceRef(resourceID, title)
	if err != nil {
		return err
	}
	return handler.ledger.AddMileage(ctx, userID, amount, description, &reference)
}

func (handler *httpHandler) parseUploadForm(ctx *gin.Context) (uploadForm, error) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.cfg.MaxUploadBytes+multipartOverhead)
	fileHeader, err := ctx.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return uploadForm{}, invalidArgument(fmt.Sprintf("File size exceeds maximum allowed size of %dMB", handler.cfg.MaxUploadBytes/bytesPerMegabyte))
		}
		return uploadForm{}, invalidArgument("Missing required fields")
	}
	form := uploadForm{
		file:        fileHeader,
		title:       strings.TrimSpace(ctx.PostForm("title")),
		description: strings.TrimSpace(ctx.PostForm("description")),
		category:    strings.TrimSpace(ctx.PostForm("category")),
		level:       strings.TrimSpace(ctx.PostForm("level")),
	}
	rawRequired := strings.TrimSpace(ctx.PostForm("requiredMileage"))
	if form.title == "" || form.description == "" || form.category == "" || form.level == "" || rawRequired == "" {
		return uploadForm{}, invalidArgument("Missing required fields")
	}
	form.requiredMileage, err = strconv.ParseInt(rawRequired, 10, 64)
	if err != nil || form.requiredMileage < 0 {
		return uploadForm{}, invalidArgument("requiredMileage must be a non-negative integer")
	}
	if fileHeader.Size > handler.cfg.MaxUploadBytes {
		return uploadForm{}, invalidArgument(fmt.Sprintf(
			"File size exceeds maximum allowed size of %dMB. Current size: %sMB",
			handler.cfg.MaxUploadBytes/bytesPerMegabyte, formatMegabytes(fileHeader.Size),
		))
	}
	return form, nil
}

func (handler *httpHandler) handlePendingResources(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	resources, err := handler.catalog.ListPending(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]resourcePayload, 0, len(resources))
	for _, resource := range resources {
		payload = append(payload, newResourcePayload(resource))
	}
	ctx.JSON(http.StatusOK, gin.H{"resources": payload})
}

func (handler *httpHandler) handleApprove(ctx *gin.Context) {
	handler.moderate(ctx, catalog.StatusApproved, "")
}

func (handler *httpHandler) handleReject(ctx *gin.Context) {
	var request rejectRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		handler.respondError(ctx, invalidArgument("expected JSON body"))
		return
	}
	handler.moderate(ctx, catalog.StatusRejected, strings.TrimSpace(request.Reason))
}

// moderate updates the resource status and drops the cached detail and every cached approved listing.
func (handler *httpHandler) moderate(ctx *gin.Context, status catalog.Status, reason string) {
	resourceID := ctx.Param("id")
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.catalog.UpdateStatus(requestCtx, resourceID, status); err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.forgetResource(requestCtx, resourceID)
	removed, err := handler.cache.InvalidatePrefix(requestCtx, cache.ResourceListPrefix)
	if err != nil {
		handler.logger.Warn("resource list cache invalidation failed", zap.Error(err))
	}
	fields := []zap.Field{
		zap.String("resource_id", resourceID),
		zap.String("status", status.String()),
		zap.Int64("cache_entries_removed", removed),
	}
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		fields = append(fields, zap.String("moderator_id", claims.UserID))
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	handler.logger.Info("resource moderated", fields...)
	ctx.JSON(http.StatusOK, gin.H{"success": true, "resourceId": resourceID})
}

func (handler *httpHandler) currentUserID(ctx *gin.Context) (mileage.UserID, bool) {
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		handler.respondError(ctx, auth.ErrMissingToken)
		return mileage.UserID{}, false
	}
	userID, err := mileage.NewUserID(claims.UserID)
	if err != nil {
		handler.respondError(ctx, auth.ErrInvalidToken)
		return mileage.UserID{}, false
	}
	return userID, true
}

func newTransactionPayload(transaction mileage.Transaction) transactionPayload {
	payload := transactionPayload{
		ID:          transaction.TransactionID().String(),
		UserID:      transaction.UserID().String(),
		Type:        transaction.Type().String(),
		Amount:      transaction.Amount().Int64(),
		Description: transaction.Description().String(),
		CreatedAt:   transaction.CreatedAt().UTC().Format(time.RFC3339),
	}
	if resource, ok := transaction.Resource(); ok {
		resourceID := resource.ID()
		resourceTitle := resource.Title()
		payload.ResourceID = &resourceID
		payload.ResourceTitle = &resourceTitle
	}
	return payload
}

func newResourcePayload(resource catalog.Resource) resourcePayload {
	uploadedAt := ""
	if !resource.UploadedAt.IsZero() {
		uploadedAt = resource.UploadedAt.UTC().Format(time.RFC3339)
	}
	return resourcePayload{
		ID:              resource.ID,
		Title:           resource.Title,
		Description:     resource.Description,
		FileKey:         resource.FileKey,
		Category:        resource.Category,
		Level:           resource.Level,
		RequiredMileage: resource.RequiredMileage,
		FileSize:        resource.FileSize,
		UploadedBy:      resource.UploadedBy,
		UploadedAt:      uploadedAt,
		Views:           resource.Views,
		Downloads:       resource.Downloads,
		Status:          resource.Status.String(),
	}
}

func parsePositiveInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func formatMegabytes(size int64) string {
	return strconv.FormatFloat(float64(size)/bytesPerMegabyte, 'f', 2, 64)
}
