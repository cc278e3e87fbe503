// Package web exposes the daemon over HTTP: REST queries, file upload,
// static media, and the websocket endpoint.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/P-443/zzapp/internal/config"
	"github.com/P-443/zzapp/internal/media"
	"github.com/P-443/zzapp/internal/paths"
	"github.com/P-443/zzapp/internal/relay"
	"github.com/P-443/zzapp/internal/status"
	"github.com/P-443/zzapp/internal/store"
)

const maxUploadBytes = 64 << 20

// StatusReporter tells the status endpoint where the session stands.
type StatusReporter interface {
	Phase() status.Phase
	SessionID() string
}

// Server is the daemon's HTTP front.
type Server struct {
	db      *store.DB
	files   *media.Materializer
	hub     *relay.Hub
	state   StatusReporter
	cfg     *config.Config
	layout  paths.Layout
	logger  *zap.Logger
	handler http.Handler
}

func NewServer(db *store.DB, files *media.Materializer, hub *relay.Hub,
	state StatusReporter, cfg *config.Config, layout paths.Layout, logger *zap.Logger) *Server {
	s := &Server{
		db:     db,
		files:  files,
		hub:    hub,
		state:  state,
		cfg:    cfg,
		layout: layout,
		logger: logger,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/chats/{sessionId}", s.handleChats).Methods(http.MethodGet)
	r.HandleFunc("/messages/{chatId}/{sessionId}", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/save_voice", s.handleSaveVoice).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.hub.ServeWS)

	serveDir := func(prefix, dir string) {
		r.PathPrefix(prefix).Handler(
			http.StripPrefix(prefix, http.FileServer(http.Dir(dir))))
	}
	serveDir("/uploads/", s.layout.UploadsDir())
	serveDir("/downloads/", s.layout.DownloadsDir())
	serveDir("/avatars/", s.layout.AvatarsDir())

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"phase":      string(s.state.Phase()),
		"session_id": s.state.SessionID(),
	})
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	chats, err := s.db.ListChats(sessionID, s.cfg.ChatPageSize)
	if err != nil {
		s.fail(w, "list chats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chatID, sessionID := vars["chatId"], vars["sessionId"]

	msgs, err := s.db.ListMessages(chatID, sessionID, s.cfg.MessagePageSize)
	if err != nil {
		s.fail(w, "list messages failed", err)
		return
	}
	if err := s.db.ResetUnread(chatID, sessionID); err != nil {
		s.logger.Warn("reset unread failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleUpload stores a multipart file and returns its serve path, which the
// client passes back in a send_media command.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	servePath, _, err := s.files.SaveUpload(header.Filename, file)
	if err != nil {
		s.fail(w, "save upload failed", err)
		return
	}
	s.logger.Info("file uploaded",
		zap.String("name", header.Filename), zap.String("path", servePath))
	writeJSON(w, http.StatusOK, map[string]string{"filePath": servePath})
}

type saveVoiceRequest struct {
	AudioData string `json:"audioData"`
	FileName  string `json:"fileName"`
}

// handleSaveVoice materializes a base64 voice recording and announces it to
// websocket subscribers so the recording UI can send it.
func (s *Server) handleSaveVoice(w http.ResponseWriter, r *http.Request) {
	var req saveVoiceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.AudioData == "" {
		writeError(w, http.StatusBadRequest, "audioData is required")
		return
	}
	if req.FileName == "" {
		req.FileName = "voice.ogg"
	}

	servePath, _, err := s.files.SaveVoice(req.FileName, req.AudioData)
	if err != nil {
		s.fail(w, "save voice failed", err)
		return
	}
	s.hub.Broadcast(relay.Frame{
		Event: relay.EventVoiceSaved,
		Data:  relay.VoiceSavedData{FilePath: servePath},
	})
	writeJSON(w, http.StatusOK, map[string]string{"filePath": servePath})
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
