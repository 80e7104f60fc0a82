/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// initd is the administrative companion to a running nexusd: it does not
// hold a second live bootstrap distributor, since the distributor and the
// router it talks to live in the same Go process by construction and
// distributed/remote IPC between separate kernel processes is explicitly
// out of scope for this rendition. Instead initd gives an operator two
// read-only windows into a bring-up: the deterministic service_id a name
// resolves to (spec.md section 3's FNV-1a-64 derivation, the same
// function the distributor uses internally), and a dump of the durable
// audit trail nexusd wrote while it ran.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/open-nexus-os/nexuscore/audit"
	"github.com/open-nexus-os/nexuscore/bootstrap"
)

var (
	name    = flag.String("name", "", "print the deterministic service_id for this service name and exit")
	auditDB = flag.String("audit-db", "", "dump the audit trail at this bbolt path and exit")
	rawJSON = flag.Bool("json", false, "when dumping the audit trail, emit one JSON record per line")
)

func main() {
	flag.Parse()

	switch {
	case *name != "":
		fmt.Printf("%#016x\n", bootstrap.ServiceID(*name))
	case *auditDB != "":
		if err := dumpAudit(*auditDB, *rawJSON); err != nil {
			fmt.Fprintln(os.Stderr, "initd:", err)
			os.Exit(1)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func dumpAudit(path string, asJSON bool) error {
	sink, err := audit.Open(path)
	if err != nil {
		return err
	}
	defer sink.Close()

	enc := json.NewEncoder(os.Stdout)
	return sink.ForEach(func(rec audit.Record) error {
		if asJSON {
			return enc.Encode(rec)
		}
		fmt.Printf("%06d %s %-16s service=%#016x target=%q detail=%q\n",
			rec.Seq, rec.Timestamp.Format("2006-01-02T15:04:05Z07:00"), rec.Kind,
			rec.ServiceID, rec.Target, rec.Detail)
		return nil
	})
}
