// Package fundflow and its sub-packages implement the backend services that trace how funds move away from a set of
// origin addresses through an append-only transfer ledger.
/*
fundflow provides you with two microservices:

1) an api microservice (package api) that implements a RESTful API to submit trace jobs and read their results: hop
 records, tracking state, a graph ready for visualization and a conservation report.

2) a tracer microservice (package tracer) that walks the jobs through the ledger in bounded tick windows, attributing
 every transfer leaving a traced address back to the origins it carries value from.

Architecture

A job names its origins with their starting balances, a start tick and a maximum hop depth. Each origin balance is
tracked separately at every address it reaches. When a traced address sends value, the amount leaving is split among
the origins it holds in proportion to their pending balances (package tracer/attribution) and one hop record is
written per origin and destination. Value reaching an exchange or a smart contract leaves the trace. Transfers to the
mixing contract are followed through its fan-out outputs, scaled to the share of the deposit being traced.

Windows are committed atomically together with the job checkpoint (package lib/store), so a failed or replayed window
never counts a transfer twice. A conservation check (package tracer/conservation) verifies that what reached terminal
addresses plus what is still pending equals the seeded balances, less what was burned or dropped.

The api and tracer services share a database and communicate via a message broker (package lib/msg). The api asks the
tracer to process new jobs at once; the tracer publishes an event for every committed window. Databases (memory,
PostgreSQL, MongoDB), brokers (memory, AMQP) and label sources (file, PostgreSQL, Redis) are picked in the JSON or YAML
config file given at service startup; FUNDFLOW_* environment variables override it.

Address classification comes from a label directory (package lib/labels) refreshed in the background. Origins
submitted without a balance get it from the balance nodes configured (package lib/node).

The microservices can be monitored via a Prometheus API by setting the flag "-m" at startup.

Tracer

The tracer microservice can be started running cmd/tracer/main.go. Every cycle it processes the least recently updated
runnable jobs with a bounded number of workers, up to the ledger head. It also seeds one job per configured emission
epoch, whose origins are the recipients of the emission. "tracer process JOB_ID..." runs jobs once and exits.

API

The api microservice can be started running cmd/api/main.go. Job results are served as they are committed, so clients
can follow a trace while it is being processed.

*/
package fundflow
