package eventstore

import (
	"github.com/viktorenciso/EventCentric/db"
)

var Migrations = []db.Migration{
	{
		Stmts: []string{
			`--POSTGRES
             create table events (id uuid not null, sequencenumber bigserial, streamtype varchar not null, streamid uuid not null, version bigint not null, eventtype varchar not null, correlationid uuid not null, timestamp timestamptz not null, data bytea, PRIMARY KEY (sequencenumber), UNIQUE (id), UNIQUE (streamid, version))`,
			`--SQLITE3
             create table events (id uuid not null, sequencenumber INTEGER PRIMARY KEY AUTOINCREMENT, streamtype varchar not null, streamid uuid not null, version bigint not null, eventtype varchar not null, correlationid uuid not null, timestamp timestamptz not null, data bytea, UNIQUE (id), UNIQUE (streamid, version))`,
			"create index events_streamid on events(streamid, version)",

			// latest version and snapshot of every stream
			"create table streams (streamid uuid not null, streamtype varchar not null, version bigint not null, snapshot bytea, snapshottimestamp timestamptz, globalsequence bigint not null, PRIMARY KEY (streamid))",

			// causing events already handled by this node
			"create table subscriptionledger (sourcestreamtype varchar not null, streamid uuid not null, eventid uuid not null, deliveredat timestamptz not null, PRIMARY KEY (eventid))",

			// last received version per source stream type
			"create table subscriptioncursor (sourcestreamtype varchar not null, lastreceivedversion bigint not null, updatedat timestamptz not null, PRIMARY KEY (sourcestreamtype))",

			// replicated events waiting to be processed
			`--POSTGRES
             create table inbox (sequencenumber bigserial, sourcestreamtype varchar not null, sourcesequencenumber bigint not null, eventid uuid not null, streamid uuid not null, version bigint not null, eventtype varchar not null, correlationid uuid not null, timestamp timestamptz not null, data bytea, receivedat timestamptz not null, PRIMARY KEY (sequencenumber), UNIQUE (eventid))`,
			`--SQLITE3
             create table inbox (sequencenumber INTEGER PRIMARY KEY AUTOINCREMENT, sourcestreamtype varchar not null, sourcesequencenumber bigint not null, eventid uuid not null, streamid uuid not null, version bigint not null, eventtype varchar not null, correlationid uuid not null, timestamp timestamptz not null, data bytea, receivedat timestamptz not null, UNIQUE (eventid))`,
		},
	},
	{
		Stmts: []string{
			"create index inbox_streamid on inbox(sourcestreamtype, streamid, version)",
			"create index events_streamtype on events(streamtype, sequencenumber)",
		},
	},
}
