package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const timeout = 15

// Handler returns the router serving the RESTful API.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", a.homeHandler)
	r.HandleFunc("/jobs", a.createHandler).Methods(http.MethodPost)                // submit a job
	r.HandleFunc("/jobs", a.listHandler).Methods(http.MethodGet)                   // list jobs, ?status=&limit=
	r.HandleFunc("/jobs/{id}", a.jobHandler).Methods(http.MethodGet)               // get a job
	r.HandleFunc("/jobs/{id}", a.deleteHandler).Methods(http.MethodDelete)         // delete a job and its results
	r.HandleFunc("/jobs/{id}/hops", a.hopsHandler).Methods(http.MethodGet)         // hop records, ?maxDepth=
	r.HandleFunc("/jobs/{id}/state", a.stateHandler).Methods(http.MethodGet)       // tracking state rows
	r.HandleFunc("/jobs/{id}/graph", a.graphHandler).Methods(http.MethodGet)       // visualization, ?maxDepth=
	r.HandleFunc("/jobs/{id}/validate", a.validateHandler).Methods(http.MethodGet) // conservation report

	return r
}

// Init sets up and starts the http/https server to service the RESTful API. If sslPort, sslCert and sslKey are
// informed, it will start an https (TLS) server on the specified endpoint. It returns once Stop has been called.
func (a *API) Init(endpoint, port, sslPort, sslCert, sslKey string) error {
	r := a.Handler()

	var (
		err, errTLS error
		done        = make(chan struct{}, 2) //nolint:gomnd // http and https
		started     int
	)

	// start http server
	if port != "" {
		s := &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + port,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		a.cl.Lock()
		a.s = s
		a.cl.Unlock()

		started++

		go func() {
			if e := s.ListenAndServe(); !errors.Is(e, http.ErrServerClosed) {
				err = e
			}
			done <- struct{}{}
		}()

		a.log.Info("listening to API http requests", zap.String("addr", s.Addr))
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		ss := &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + sslPort,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		a.cl.Lock()
		a.ss = ss
		a.cl.Unlock()

		started++

		go func() {
			if e := ss.ListenAndServeTLS(sslCert, sslKey); !errors.Is(e, http.ErrServerClosed) {
				errTLS = e
			}
			done <- struct{}{}
		}()

		a.log.Info("listening to API https requests", zap.String("addr", ss.Addr))
	}
	// wait for servers to be shutdown
	<-a.sc

	for ; started > 0; started-- {
		<-done
	}

	return multierror.Append(nil, err, errTLS).ErrorOrNil()
}
