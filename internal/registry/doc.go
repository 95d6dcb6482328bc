// Package registry holds the static table of datasets known to clover-data.
//
// A Registry maps a dataset key (for example "winered" or "bike") to a Descriptor
// naming the mirrors the raw file can be fetched from, the archive wrapping it and
// the layout of its records. The built-in table is embedded from datasets.yaml and
// may be extended with a user supplied YAML file of the same shape:
//
//	datasets:
//	  - key: mydata
//	    urls: ["https://example.org/mydata.csv"]
//	    format: csv
//	    target: y
//
// Registries are immutable after construction and are passed by pointer to the
// components that need them.
package registry
