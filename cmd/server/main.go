package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/accordsai/signlane/internal/audit"
	"github.com/accordsai/signlane/internal/completion"
	"github.com/accordsai/signlane/internal/config"
	"github.com/accordsai/signlane/internal/delivery"
	"github.com/accordsai/signlane/internal/lock"
	"github.com/accordsai/signlane/internal/notify"
	"github.com/accordsai/signlane/internal/renderclient"
	"github.com/accordsai/signlane/internal/routing"
	"github.com/accordsai/signlane/internal/signing"
	"github.com/accordsai/signlane/internal/storage"
	"github.com/accordsai/signlane/internal/store"
	"github.com/accordsai/signlane/internal/tokens"
	"github.com/accordsai/signlane/internal/tsa"
	"github.com/accordsai/signlane/pkg/db"
	"github.com/accordsai/signlane/pkg/domain"
	"github.com/accordsai/signlane/pkg/httpx"
	"github.com/accordsai/signlane/pkg/template"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	pool := db.MustConnect()
	docs := store.NewPGStore(pool)
	sink := audit.NewPGSink(pool)

	var lockStore lock.Store = lock.NewPGStore(pool)
	if cfg.LockBackend == "redis" {
		lockStore = lock.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	locks := lock.NewService(lockStore)

	senders := notify.NewFactory(cfg.MasterKey)
	inviter := notify.NewInviter(senders, cfg.SigningBaseURL)
	issuer := tokens.NewHMACIssuer(cfg.TokenSecret)
	router := routing.NewEngine(docs, issuer, inviter)
	signer := signing.NewService(docs, router, sink)

	blobs := storage.NewFSStore(cfg.StorageDir, cfg.StorageBaseURL)
	rc := renderclient.New(cfg.RendererURL)
	renderer := completion.RendererFunc(func(ctx context.Context, html string) ([]byte, error) {
		return rc.HTMLToPDF(ctx, html, renderclient.Options{})
	})

	deliveryOpts := delivery.Options{
		Backoff:     delivery.Backoff(cfg.WebhookBackoff),
		MaxAttempts: cfg.WebhookMaxAttempts,
	}
	orch := completion.NewOrchestrator(docs, blobs, delivery.NewEngine(nil), deliveryOpts, senders, sink)
	queue := completion.NewQueue(orch, 64)
	queue.Start(context.Background(), cfg.FanoutWorkers)
	pipeline := completion.NewPipeline(docs, locks, renderer, blobs, sink, queue)
	if cfg.TSAURL != "" {
		anchor, err := tsa.New(cfg.TSAURL, cfg.TSAPolicyOID)
		if err != nil {
			slog.Error("bad timestamp authority config", "error", err)
			os.Exit(1)
		}
		pipeline.UseTimestampAuthority(anchor)
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Post("/documents", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Payload     map[string]string       `json:"payload"`
			Template    domain.TemplateSnapshot `json:"template_snapshot"`
			Recipients  []domain.Recipient      `json:"recipients"`
			CallbackURL string                  `json:"callback_url"`
			CallbackKey string                  `json:"callback_secret"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		req.Template.Delimiters = template.Reconcile(template.ExtractKeys(req.Template.HTML), req.Template.Delimiters)
		if err := template.ValidateTypedValue(req.Template.Delimiters, req.Payload); err != nil {
			httpx.WriteError(w, 422, "INVALID_PAYLOAD", err.Error(), nil)
			return
		}
		doc := domain.Document{
			DocumentID:     "doc_" + uuid.NewString(),
			Status:         domain.StatusSent,
			Recipients:     req.Recipients,
			Payload:        req.Payload,
			Template:       req.Template,
			CallbackURL:    req.CallbackURL,
			CallbackSecret: req.CallbackKey,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		if err := docs.CreateDocument(r.Context(), doc); err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "document": doc})
	})

	r.Get("/documents/{document_id}", func(w http.ResponseWriter, r *http.Request) {
		doc, err := docs.GetDocument(r.Context(), chi.URLParam(r, "document_id"))
		if err != nil {
			httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "document": doc})
	})

	r.Post("/documents/{document_id}/recipients/{order}/sign", func(w http.ResponseWriter, r *http.Request) {
		docID := chi.URLParam(r, "document_id")
		order, err := httpx.IntParam(r, "order")
		if err != nil {
			httpx.WriteError(w, 400, "BAD_ORDER", err.Error(), nil)
			return
		}
		var req struct {
			IPAddress      string `json:"ip_address"`
			GeoLocation    string `json:"geo_location"`
			SignatureImage string `json:"signature_image"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		doc, err := signer.Sign(r.Context(), docID, order, signing.SignRequest{
			IPAddress:      req.IPAddress,
			GeoLocation:    req.GeoLocation,
			SignatureImage: req.SignatureImage,
		})
		if err != nil {
			writeSignError(w, err)
			return
		}
		if doc.Status == domain.StatusSigned {
			// Completion runs off the request path; the signer only ever
			// observes their own signing success.
			go func() {
				if err := pipeline.Complete(context.Background(), docID); err != nil {
					slog.Error("completion failed", "document_id", docID, "error", err)
				}
			}()
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "document": doc})
	})

	r.Post("/documents/{document_id}/complete", func(w http.ResponseWriter, r *http.Request) {
		docID := chi.URLParam(r, "document_id")
		if err := pipeline.Complete(r.Context(), docID); err != nil {
			var statusErr *domain.StatusError
			switch {
			case errors.As(err, &statusErr):
				httpx.WriteError(w, 409, "WRONG_STATUS", err.Error(), nil)
			case errors.Is(err, lock.ErrNotAcquired):
				httpx.WriteError(w, 423, "LOCKED", err.Error(), nil)
			case errors.Is(err, store.ErrNotFound):
				httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
			default:
				httpx.WriteError(w, 500, "COMPLETION_FAILED", err.Error(), nil)
			}
			return
		}
		doc, _ := docs.GetDocument(r.Context(), docID)
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "document": doc})
	})

	slog.Info("listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func writeSignError(w http.ResponseWriter, err error) {
	var statusErr *domain.StatusError
	switch {
	case errors.As(err, &statusErr):
		httpx.WriteError(w, 409, "WRONG_STATUS", err.Error(), nil)
	case errors.Is(err, signing.ErrAlreadySigned):
		httpx.WriteError(w, 409, "ALREADY_SIGNED", err.Error(), nil)
	case errors.Is(err, signing.ErrNotSignable):
		httpx.WriteError(w, 409, "NOT_SIGNABLE", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "SIGN_FAILED", err.Error(), nil)
	}
}
