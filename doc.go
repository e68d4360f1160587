// Copyright 2023 uhppoted@twyst.co.za. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

/*
Package db-to-sheets exports the result of a PostgreSQL query to a table in a Google Sheets worksheet.

db-to-sheets is a one-shot command intended to be run from a cron job or by hand. Each run extracts the query
result, appends it in fixed size batches to a named table on the configured worksheet (creating the table and
its header row if necessary) and then verifies the upload by comparing the row count and the first few rows.

db-to-sheets supports the following commands:

  - run, to extract, upload and verify (the default command)
  - authorise, to authorise access to Google Sheets and Google Drive from a browser and cache the tokens
  - version, to display the current version
*/
package sheets
