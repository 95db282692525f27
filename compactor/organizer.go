package compactor

import (
	"fmt"
	"time"

	"github.com/stratadb/strata/core"
)

// Path builds the object-store path for one compacted output file. It is
// pure and deterministic:
//
//	dbs/{table}-{db_id}/{table}-{table_id}/gen{level}/{YYYY-MM-DD}/{HH-MM}/{file_index}.parquet
//
// The date and time components derive from the bucket start in UTC.
// Collision freedom comes entirely from fileIndex, which the catalog
// assigns from an atomic per-(table, level, bucket) counter; the executor
// never guesses it. The database name is part of the contract but not of
// the layout, which keys on the table name twice.
func Path(dbID core.DBID, dbName string, tableID core.TableID, tableName string, level core.GenerationLevel, bucketStart int64, fileIndex uint64) string {
	_ = dbName
	ts := time.Unix(0, bucketStart).UTC()
	return fmt.Sprintf("dbs/%s-%d/%s-%d/gen%d/%s/%d.parquet",
		tableName, dbID, tableName, tableID, level, ts.Format("2006-01-02/15-04"), fileIndex)
}

// TablePrefix returns the path prefix shared by all of a table's files,
// used to scope object-store listings.
func TablePrefix(dbID core.DBID, tableID core.TableID, tableName string) string {
	return fmt.Sprintf("dbs/%s-%d/%s-%d/", tableName, dbID, tableName, tableID)
}
