// Command docdedup ingests document descriptors into a canonical store,
// folding exact and near duplicates together, and reports on the result.
//
//	docdedup ingest ./corpus
//	docdedup stats
//	docdedup search "quarterly report" --type memo
//	docdedup show 42
//	docdedup export --out canonical.json
//	docdedup serve --bind 127.0.0.1:7420
package main
