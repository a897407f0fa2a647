package main

import (
	"flag"
	"os"

	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/signal-meter/signalmeter/pkg/model"

	"cloud.google.com/go/bigquery"
)

var nodeSessionSchema string

func init() {
	flag.StringVar(&nodeSessionSchema, "nodesession", "/var/spool/datatypes/nodesession.json", "filename to write nodesession schema")
}

func main() {
	flag.Parse()
	// Generate and save schemas for autoloading.
	archive := model.NodeSessionArchive{}
	sch, err := bigquery.InferSchema(archive)
	rtx.Must(err, "failed to generate nodesession schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal nodesession schema")
	err = os.WriteFile(nodeSessionSchema, b, 0o644)
	rtx.Must(err, "failed to write nodesession schema")
}
