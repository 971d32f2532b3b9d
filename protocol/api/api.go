package api

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware"
	"github.com/dgrijalva/jwt-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/livego/rtmpsrv/configure"
	"github.com/livego/rtmpsrv/protocol/rtmp"
)

// StatusProvider 는 이벤트 루프가 마지막으로 만든 상태 스냅샷을 준다.
type StatusProvider interface {
	Status() *rtmp.Status
}

// OwnerLookup 은 스트림 키를 가진 퍼블리셔를 찾는다.
type OwnerLookup interface {
	Owner(key string) (string, bool, error)
}

type Response struct {
	w      http.ResponseWriter
	Status int         `json:"status"`
	Data   interface{} `json:"data"`
}

func (r *Response) SendJson() (int, error) {
	resp, _ := json.Marshal(r)
	r.w.Header().Set("Content-Type", "application/json")
	r.w.WriteHeader(r.Status)
	return r.w.Write(resp)
}

// 관리용 HTTP 서버. 상태 조회와 프로메테우스 메트릭을 제공한다.
type Server struct {
	status   StatusProvider
	owners   OwnerLookup
	gatherer prometheus.Gatherer
	jwt      configure.JWT
	l        *log.Entry
}

func NewServer(status StatusProvider, owners OwnerLookup, gatherer prometheus.Gatherer, jwtCfg configure.JWT, l *log.Entry) *Server {
	return &Server{
		status:   status,
		owners:   owners,
		gatherer: gatherer,
		jwt:      jwtCfg,
		l:        l.WithField("component", "api"),
	}
}

// Serve 는 l 이 닫힐 때까지 요청을 처리한다.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Route("/stat", func(r chi.Router) {
		if s.jwt.Secret != "" {
			r.Use(s.jwtGuard())
		}
		r.Get("/livestat", s.GetLiveStatics)
		r.Get("/publishers/*", s.GetPublisher)
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// jwt.secret 가 설정되면 /stat 아래는 Authorization: Bearer 토큰이 필요하다.
func (s *Server) jwtGuard() func(http.Handler) http.Handler {
	mw := jwtmiddleware.New(jwtmiddleware.Options{
		ValidationKeyGetter: func(token *jwt.Token) (interface{}, error) {
			return []byte(s.jwt.Secret), nil
		},
		SigningMethod: jwt.GetSigningMethod(s.jwt.Algorithm),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err string) {
			res := &Response{w: w, Status: http.StatusUnauthorized, Data: err}
			res.SendJson()
		},
	})
	return mw.Handler
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.l.WithFields(log.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  ww.Status(),
			"elapsed": time.Since(start),
		}).Debug("api request")
	})
}

// http://127.0.0.1:8090/stat/livestat
func (s *Server) GetLiveStatics(w http.ResponseWriter, req *http.Request) {
	res := &Response{w: w, Status: http.StatusOK}
	st := s.status.Status()
	if st == nil {
		st = &rtmp.Status{}
	}
	res.Data = st
	res.SendJson()
}

// http://127.0.0.1:8090/stat/publishers/movie
func (s *Server) GetPublisher(w http.ResponseWriter, req *http.Request) {
	res := &Response{w: w, Status: http.StatusOK}
	defer res.SendJson()

	if s.owners == nil {
		res.Status = http.StatusNotFound
		res.Data = "publisher registry disabled"
		return
	}
	key := chi.URLParam(req, "*")
	owner, ok, err := s.owners.Owner(key)
	switch {
	case err != nil:
		res.Status = http.StatusBadGateway
		res.Data = err.Error()
	case !ok:
		res.Status = http.StatusNotFound
		res.Data = "stream key not published"
	default:
		res.Data = map[string]string{"key": key, "owner": owner}
	}
}
