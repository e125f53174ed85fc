// Package database is the client side of the vumos data service. Requests
// are envelopes tagged data.put, data.delete or data.get carrying a
// request_id; the data service answers on the requester's directed subject
// with a data.result envelope echoing that id.
//
//	db, err := database.New(ctx, svc, bus, database.Options{Target: "service.database"})
//	res, err := db.Get(ctx, database.Host, []string{"ip", "domains"}, database.Query{ID: "10.0.0.1"})
package database
